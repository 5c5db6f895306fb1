package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// AdminSessionFolder is the reserved group that holds privileged sessions.
const AdminSessionFolder = "Adminsession"

// Pool resolves session filenames into connected clients. Connections are
// scoped to one operation: the caller owns the returned Client until Close.
type Pool struct {
	dialer Dialer
}

func NewPool(dialer Dialer) *Pool {
	return &Pool{dialer: dialer}
}

// Resolve maps a filename inside a group folder to its on-disk session path.
func (p *Pool) Resolve(folder, filename string) (string, error) {
	clean := filepath.Base(filename)
	if clean != filename || clean == "" || clean == "." {
		return "", fmt.Errorf("invalid session filename %q", filename)
	}
	path := filepath.Join(folder, clean)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("session file %s: %w", clean, err)
	}
	return path, nil
}

// Acquire dials a connection for the given session path. Proxy may be nil;
// admin traffic always passes nil.
func (p *Pool) Acquire(ctx context.Context, sessionPath string, proxy *Proxy) (Client, error) {
	return p.dialer.Dial(ctx, sessionPath, proxy)
}

// SessionFiles lists the .session files in a group folder, sorted by name.
func SessionFiles(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".session" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
