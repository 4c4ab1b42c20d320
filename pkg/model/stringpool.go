package model

import "strings"

// StringPool is a single concatenated buffer holding every string
// referenced by a Snapshot. Entries point into it rather than each
// carrying its own allocation, so a snapshot with thousands of module
// or handle names frees with one buffer release instead of thousands
// (spec.md §3: "a multi-text string pool ... entries point in").
type StringPool struct {
	buf strings.Builder
}

// Ref is an offset/length pair into a StringPool.
type Ref struct {
	Offset int
	Length int
}

// Add appends s to the pool and returns a Ref to it. The empty string
// is always valid and resolves back to "".
func (p *StringPool) Add(s string) Ref {
	if s == "" {
		return Ref{}
	}
	off := p.buf.Len()
	p.buf.WriteString(s)
	return Ref{Offset: off, Length: len(s)}
}

// Resolve turns a Ref back into a string.
func (p *StringPool) Resolve(r Ref) string {
	if r.Length == 0 {
		return ""
	}
	full := p.buf.String()
	if r.Offset < 0 || r.Offset+r.Length > len(full) {
		return ""
	}
	return full[r.Offset : r.Offset+r.Length]
}
