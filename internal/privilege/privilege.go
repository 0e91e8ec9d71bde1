// Package privilege answers whether the current process may perform
// privileged operations.
package privilege

import (
	"fmt"
	"os"
)

// IsRunningAsRoot reports whether the process runs with UID 0.
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}

// RequireRoot returns an error when the process is not running as
// root. The daemon needs root to drive the system update service.
func RequireRoot() error {
	if !IsRunningAsRoot() {
		return fmt.Errorf("must run as root, running as uid %d", os.Getuid())
	}
	return nil
}
