//go:build windows

package hostsfile

import (
	"os"
	"path/filepath"
)

// DefaultPath is the standard hosts file location.
var DefaultPath = defaultPath()

func defaultPath() string {
	root := os.Getenv("SystemRoot")
	if root == "" {
		root = `C:\Windows`
	}
	return filepath.Join(root, "System32", "drivers", "etc", "hosts")
}
