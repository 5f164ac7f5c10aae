//go:build !windows

package hostsfile

// DefaultPath is the standard hosts file location.
var DefaultPath = "/etc/hosts"
