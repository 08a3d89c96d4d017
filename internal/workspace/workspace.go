// Package workspace manages the per-user slot directory tree.
//
// Layout: <root>/<user>/bot_<slot>/...
// User identifiers are sanitized before they become path components.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Workspace manages all slot directories under a single root.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// UserDir returns <root>/<user>/ without creating it.
func (w *Workspace) UserDir(userID string) string {
	return filepath.Join(w.Root, sanitizeName(userID))
}

// SlotDir returns <root>/<user>/bot_<slot>/, creating it on first use.
func (w *Workspace) SlotDir(userID string, slot int) (string, error) {
	p := w.slotPath(userID, slot)
	if err := w.ensureDir(p, 0750); err != nil {
		return "", err
	}
	return p, nil
}

// ResetSlot wipes and recreates the slot directory before a new upload.
func (w *Workspace) ResetSlot(userID string, slot int) (string, error) {
	p := w.slotPath(userID, slot)
	if err := os.RemoveAll(p); err != nil {
		return "", fmt.Errorf("wiping slot directory %s: %w", p, err)
	}
	w.forget(p)
	if err := w.ensureDir(p, 0750); err != nil {
		return "", err
	}
	return p, nil
}

// RemoveUser deletes every slot directory the user owns.
func (w *Workspace) RemoveUser(userID string) error {
	p := w.UserDir(userID)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing user directory %s: %w", p, err)
	}
	w.mu.Lock()
	for k := range w.created {
		if k == p || strings.HasPrefix(k, p+string(filepath.Separator)) {
			delete(w.created, k)
		}
	}
	w.mu.Unlock()
	return nil
}

// Slots lists the slot numbers that have a directory on disk for the user.
func (w *Workspace) Slots(userID string) ([]int, error) {
	entries, err := os.ReadDir(w.UserDir(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user directory: %w", err)
	}
	var slots []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "bot_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "bot_"))
		if err != nil {
			continue
		}
		slots = append(slots, n)
	}
	return slots, nil
}

func (w *Workspace) slotPath(userID string, slot int) string {
	return filepath.Join(w.UserDir(userID), "bot_"+strconv.Itoa(slot))
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

func (w *Workspace) forget(path string) {
	w.mu.Lock()
	delete(w.created, path)
	w.mu.Unlock()
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
