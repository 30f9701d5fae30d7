package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errInspectUnsupported = errors.New("filesystem inspection unsupported on this platform")

// Mount describes the filesystem under a path.
type Mount struct {
	Path    string // nearest existing ancestor that was inspected
	FSType  string
	Network bool
}

// remoteFS lists filesystems where SQLite WAL and flock(2) are unreliable.
var remoteFS = map[string]bool{
	"nfs":        true,
	"nfs4":       true,
	"cifs":       true,
	"smbfs":      true,
	"smb2":       true,
	"afpfs":      true,
	"webdav":     true,
	"fuse.sshfs": true,
	"9p":         true,
}

// Inspect reports the filesystem that path lives on, or would live on once
// created.
func Inspect(path string) (Mount, error) {
	return inspectWith(path, statFS)
}

// RequireLocal fails when path sits on a network filesystem. key names the
// config setting in the error. Platforms without statfs support pass.
func RequireLocal(key, path string) error {
	m, err := Inspect(path)
	if errors.Is(err, errInspectUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Network {
		return fmt.Errorf("%s %q is on %s (network filesystem); locks there are unreliable, use a local path", key, path, m.FSType)
	}
	return nil
}

func inspectWith(path string, stat func(string) (string, error)) (Mount, error) {
	if path == "" {
		return Mount{}, errors.New("path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return Mount{}, err
	}
	fsType, err := stat(dir)
	if err != nil {
		return Mount{Path: dir}, err
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	return Mount{Path: dir, FSType: fsType, Network: remoteFS[fsType]}, nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
