// Package hosttools locates the host binaries a runner shells out to:
// firecracker, jailer and the e2fsprogs that build and grow job rootfs images.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Finder resolves binaries from PATH and then from sbin directories, which
// are often missing from an unprivileged runner's PATH.
type Finder struct {
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
	Prefixes []string
}

var host = Finder{
	LookPath: exec.LookPath,
	Stat:     os.Stat,
	Prefixes: []string{"/usr/local", "/usr", "/"},
}

// ResolveBinary resolves binary on the host. A value containing a path
// separator is taken as given.
func ResolveBinary(binary string) (string, error) {
	return host.Resolve(binary)
}

func (f Finder) Resolve(binary string) (string, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return "", errors.New("binary name is required")
	}
	if strings.ContainsRune(binary, filepath.Separator) {
		if err := f.executable(binary); err != nil {
			return "", fmt.Errorf("%s: %w", binary, err)
		}
		return binary, nil
	}

	if path, err := f.LookPath(binary); err == nil {
		return path, nil
	}
	var searched []string
	for _, prefix := range f.Prefixes {
		for _, dir := range []string{"sbin", "bin"} {
			candidate := filepath.Join(prefix, dir, binary)
			if f.executable(candidate) == nil {
				return candidate, nil
			}
			searched = append(searched, filepath.Dir(candidate))
		}
	}
	if len(searched) == 0 {
		return "", fmt.Errorf("%s not found in PATH", binary)
	}
	return "", fmt.Errorf("%s not found in PATH or %s", binary, strings.Join(searched, ", "))
}

func (f Finder) executable(path string) error {
	info, err := f.Stat(path)
	switch {
	case err != nil:
		return err
	case info.IsDir():
		return errors.New("is a directory")
	case info.Mode().Perm()&0o111 == 0:
		return errors.New("is not executable")
	}
	return nil
}
