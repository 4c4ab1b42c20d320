//go:build !windows

package usermap

// Resolve is a no-op off Windows: the host-OS SID API this build-tag
// variant would call is unavailable, and spec.md §1 places live SID
// resolution out of scope as an external collaborator anyway.
func Resolve(sid string) string {
	return ""
}
