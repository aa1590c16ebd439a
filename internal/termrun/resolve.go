package termrun

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// extraDirs are install locations commonly missing from the PATH of a
// launchd or systemd supervised process.
var extraDirs = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"~/.local/bin",
	"~/bin",
	"~/.npm-global/bin",
}

// Resolve locates binary. A name containing a path separator is checked
// directly; a bare name goes through PATH lookup, retried against common
// install directories when the plain lookup fails.
func Resolve(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: empty binary name", ErrBinaryNotFound)
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		path := expandHome(binary)
		if isExecutable(path) {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
	}
	if path, err := exec.LookPath(binary); err == nil {
		return path, nil
	}
	for _, dir := range extraDirs {
		candidate := filepath.Join(expandHome(dir), binary)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, binary)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
