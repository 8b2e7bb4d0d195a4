//go:build !linux

package stats

import "os"

// HostTags returns the host name. Only Linux reports a domain.
func HostTags() (hostname, domain string) {
	h, err := os.Hostname()
	if err != nil {
		return "", ""
	}
	return h, ""
}
