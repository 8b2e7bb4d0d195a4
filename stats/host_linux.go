package stats

import (
	"golang.org/x/sys/unix"
)

// HostTags returns the node and domain names of the host.
func HostTags() (hostname, domain string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", ""
	}
	return unix.ByteSliceToString(u.Nodename[:]), unix.ByteSliceToString(u.Domainname[:])
}
