//go:build windows

package usermap

import "golang.org/x/sys/windows"

// Resolve attempts a host-OS-assisted name for sid when the registry
// path came up empty: parse the textual SID and check it against the
// well-known-SID predicates golang.org/x/sys/windows exposes, rather
// than shipping a second hand-rolled RID table.
func Resolve(sid string) string {
	s, err := windows.StringToSid(sid)
	if err != nil {
		return ""
	}
	for _, wk := range []struct {
		t    windows.WELL_KNOWN_SID_TYPE
		name string
	}{
		{windows.WinBuiltinAdministratorsSid, "Administrators"},
		{windows.WinBuiltinUsersSid, "Users"},
		{windows.WinLocalSystemSid, "SYSTEM"},
		{windows.WinNetworkServiceSid, "NETWORK SERVICE"},
		{windows.WinLocalServiceSid, "LOCAL SERVICE"},
		{windows.WinAnonymousSid, "ANONYMOUS LOGON"},
	} {
		known, err := windows.CreateWellKnownSid(wk.t)
		if err != nil {
			continue
		}
		if windows.EqualSid(s, known) {
			return wk.name
		}
	}
	return ""
}
