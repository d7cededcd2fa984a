package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckConfigPermissions checks the mode of the daemon config file. Group read
// access only yields a warning; any other access beyond the owner fails.
func CheckConfigPermissions(path string) (string, error) {
	return checkFilePermissions("config", path, true)
}

// CheckKeyPermissions validates the pending-token identity file. Unlike the
// config file, any group access is an error.
func CheckKeyPermissions(path string) error {
	_, err := checkFilePermissions("key", path, false)
	return err
}

func checkFilePermissions(kind, path string, groupReadable bool) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", kind, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", kind, path)
	}
	perms := info.Mode().Perm()
	if perms&permOwnerRead == 0 {
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", kind, path, perms)
	}
	if perms&permOtherMask != 0 {
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", kind, path, perms)
	}
	if perms&(permGroupWrite|permGroupExec) != 0 {
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", kind, path, perms)
	}
	if perms&permGroupRead != 0 {
		if !groupReadable {
			return "", fmt.Errorf("%s %s must not be group-readable (mode %04o)", kind, path, perms)
		}
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", kind, path, perms), nil
	}
	return "", nil
}
