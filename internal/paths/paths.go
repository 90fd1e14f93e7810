// Package paths resolves the XDG directories benchroom keeps its state in.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "benchroom"

// base resolves $<env>/benchroom, then ~/<homeRel>/benchroom, then
// $XDG_RUNTIME_DIR/benchroom.
func base(env, kind string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(env)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve %s directory from %s, runtime dir or home", kind, env)
}

func CacheBaseDir() (string, error) {
	return base("XDG_CACHE_HOME", "cache", ".cache")
}

func DataBaseDir() (string, error) {
	return base("XDG_DATA_HOME", "data", ".local", "share")
}

func StateBaseDir() (string, error) {
	return base("XDG_STATE_HOME", "state", ".local", "state")
}

func ConfigBaseDir() (string, error) {
	return base("XDG_CONFIG_HOME", "config", ".config")
}

func join(resolve func() (string, error), elem ...string) (string, error) {
	dir, err := resolve()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

func ImageCacheDir() (string, error) { return join(CacheBaseDir, "images") }

func ImageMetadataDBPath() (string, error) { return join(StateBaseDir, "images", "metadata.db") }

// DatabasePath is the default sqlite platform database.
func DatabasePath() (string, error) { return join(StateBaseDir, "benchroom.db") }

// AssetsDir holds kernels and other boot assets for runner hosts.
func AssetsDir() (string, error) { return join(DataBaseDir, "assets") }

func TSNetStateDir() (string, error) { return join(StateBaseDir, "tsnet") }

func TLSDir() (string, error) { return join(ConfigBaseDir, "tls") }
