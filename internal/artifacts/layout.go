// Package artifacts manages the per-instance directory of generated files:
// config, credentials, certificate material, and process logs. Paths are
// derived deterministically from the instance name so orphaned directories
// can be found by a plain directory scan.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout maps instance names to their artifact paths under the data dir.
type Layout struct {
	root string
}

func NewLayout(dataDir string) *Layout {
	return &Layout{root: filepath.Join(dataDir, "instances")}
}

func (l *Layout) Dir(name string) string { return filepath.Join(l.root, name) }

func (l *Layout) ConfigPath(name string) string {
	return filepath.Join(l.Dir(name), "proxy.cfg")
}

func (l *Layout) HtpasswdPath(name string) string {
	return filepath.Join(l.Dir(name), "users.htpasswd")
}

func (l *Layout) CertPath(name string) string {
	return filepath.Join(l.Dir(name), "server.crt")
}

func (l *Layout) KeyPath(name string) string {
	return filepath.Join(l.Dir(name), "server.key")
}

func (l *Layout) StdoutLogPath(name string) string {
	return filepath.Join(l.Dir(name), "stdout.log")
}

func (l *Layout) StderrLogPath(name string) string {
	return filepath.Join(l.Dir(name), "stderr.log")
}

func (l *Layout) AccessLogPath(name string) string {
	return filepath.Join(l.Dir(name), "access.log")
}

// EnsureDir creates the instance directory. World-readable so the proxy
// binary's runtime user can open the files inside.
func (l *Layout) EnsureDir(name string) error {
	if err := os.MkdirAll(l.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create artifact dir for %s: %w", name, err)
	}
	return nil
}

// Remove deletes the whole instance directory. Missing is not an error:
// delete is authoritative.
func (l *Layout) Remove(name string) error {
	if err := os.RemoveAll(l.Dir(name)); err != nil {
		return fmt.Errorf("remove artifact dir for %s: %w", name, err)
	}
	return nil
}

// Names returns the instance names that currently have artifact directories,
// for orphan cleanup.
func (l *Layout) Names() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// FileReady reports whether path exists and is non-empty. Start-time checks
// use this to fail with artifacts_missing instead of an opaque child error.
func FileReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
