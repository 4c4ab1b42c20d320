// Package usermap implements UserMap (spec.md §3, §6): resolving a
// guest system's SID set to display names. spec.md §1 places the
// actual host-OS SID-resolution glue out of scope as an external
// collaborator; what lives here is the registry-backed path (SID ->
// ProfileList -> ProfileImagePath -> folder name) plus a well-known-SID
// table, with an optional host-OS-assisted verification pass isolated
// behind a build tag (usermap_windows.go / usermap_other.go).
package usermap

import (
	"context"
	"strings"

	"github.com/dfirkit/wintrace/pkg/iface"
	"github.com/dfirkit/wintrace/pkg/model"
)

const profileListKeyFmt = `HKLM\SOFTWARE\Microsoft\Windows NT\CurrentVersion\ProfileList\%s`

// wellKnownSIDs covers the RIDs common to every system, which rarely
// have a ProfileList entry of their own (spec.md §6's registry path
// only covers interactively-logged-on accounts).
var wellKnownSIDs = map[string]string{
	"S-1-5-18": "SYSTEM",
	"S-1-5-19": "LOCAL SERVICE",
	"S-1-5-20": "NETWORK SERVICE",
	"S-1-1-0":  "Everyone",
	"S-1-5-32-544": "Administrators",
	"S-1-5-32-545": "Users",
}

// Build resolves sids to display names (spec.md §3 UserMap): well-known
// RIDs first, then the registry ProfileList path, then whatever the
// host-OS-assisted pass (Resolve, build-tag-dispatched) can add.
func Build(ctx context.Context, reg iface.RegistryReader, sids []string) model.UserMap {
	out := model.UserMap{}
	for _, sid := range sids {
		if name, ok := wellKnownSIDs[sid]; ok {
			out.Accounts = append(out.Accounts, model.UserAccount{SID: sid, Name: name})
			continue
		}

		name := resolveFromProfileList(ctx, reg, sid)
		if name == "" {
			name = Resolve(sid)
		}
		if name == "" {
			continue
		}
		out.Accounts = append(out.Accounts, model.UserAccount{SID: sid, Name: name})
	}
	return out
}

func resolveFromProfileList(ctx context.Context, reg iface.RegistryReader, sid string) string {
	if reg == nil {
		return ""
	}
	path := sprintfProfileList(sid) + `\ProfileImagePath`
	_, buf, err := reg.ValueQuery(ctx, path)
	if err != nil || len(buf) == 0 {
		return ""
	}
	imagePath := decodeUTF16Z(buf)
	if imagePath == "" {
		return ""
	}
	idx := strings.LastIndexAny(imagePath, `\/`)
	if idx < 0 || idx+1 >= len(imagePath) {
		return imagePath
	}
	return imagePath[idx+1:]
}

func sprintfProfileList(sid string) string {
	return strings.Replace(profileListKeyFmt, "%s", sid, 1)
}

func decodeUTF16Z(buf []byte) string {
	out := make([]byte, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		c := uint16(buf[i]) | uint16(buf[i+1])<<8
		if c == 0 {
			break
		}
		if c < 0x80 {
			out = append(out, byte(c))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}
