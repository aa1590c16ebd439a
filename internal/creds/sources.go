package creds

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// FileSource reads and writes a credential document on disk. Writes go
// through a temp file and rename so a crash never leaves a torn document.
type FileSource struct {
	Path string
}

func (f FileSource) Load() ([]byte, error) {
	return os.ReadFile(f.Path)
}

func (f FileSource) Store(doc []byte) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".creds-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

func (f FileSource) Describe() string { return f.Path }

// KeychainSource reads and writes a generic password item in the macOS
// keychain via the security tool. On other platforms Load fails and the
// store chain falls through to the next source.
type KeychainSource struct {
	Service string
}

func (k KeychainSource) Load() ([]byte, error) {
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("keychain unavailable on %s", runtime.GOOS)
	}
	out, err := exec.Command("security", "find-generic-password", "-s", k.Service, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s: %w", k.Service, err)
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

func (k KeychainSource) Store(doc []byte) error {
	if runtime.GOOS != "darwin" {
		return fmt.Errorf("keychain unavailable on %s", runtime.GOOS)
	}
	// -U updates the existing item in place.
	cmd := exec.Command("security", "add-generic-password", "-U", "-s", k.Service, "-a", os.Getenv("USER"), "-w", string(doc))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("keychain write %s: %w: %s", k.Service, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (k KeychainSource) Describe() string { return "keychain:" + k.Service }
