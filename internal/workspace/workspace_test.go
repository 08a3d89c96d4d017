package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "uploads")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestSlotDir(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}

	dir, err := ws.SlotDir("1234", 2)
	if err != nil {
		t.Fatalf("SlotDir: %v", err)
	}
	want := filepath.Join(ws.Root, "1234", "bot_2")
	if dir != want {
		t.Errorf("SlotDir = %q, want %q", dir, want)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("slot dir not created: %v", err)
	}
}

func TestSlotDir_RecreatedAfterExternalRemoval(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := ws.SlotDir("u", 1)
	os.RemoveAll(dir)

	if _, err := ws.SlotDir("u", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("slot dir not recreated: %v", err)
	}
}

func TestResetSlot(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := ws.SlotDir("u", 1)
	os.WriteFile(filepath.Join(dir, "old.py"), []byte("print(1)"), 0644)

	dir2, err := ws.ResetSlot("u", 1)
	if err != nil {
		t.Fatalf("ResetSlot: %v", err)
	}
	if dir2 != dir {
		t.Errorf("ResetSlot returned %q, want %q", dir2, dir)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("slot dir not empty after reset: %d entries", len(entries))
	}
}

func TestRemoveUserAndSlots(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	ws.SlotDir("u", 1)
	ws.SlotDir("u", 2)
	os.MkdirAll(filepath.Join(ws.UserDir("u"), "not-a-slot"), 0750)

	slots, err := ws.Slots("u")
	if err != nil {
		t.Fatal(err)
	}
	sort.Ints(slots)
	if len(slots) != 2 || slots[0] != 1 || slots[1] != 2 {
		t.Errorf("Slots = %v, want [1 2]", slots)
	}

	if err := ws.RemoveUser("u"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}
	if _, err := os.Stat(ws.UserDir("u")); !os.IsNotExist(err) {
		t.Errorf("user dir still exists: %v", err)
	}
	slots, err = ws.Slots("u")
	if err != nil || len(slots) != 0 {
		t.Errorf("Slots after remove = %v, %v", slots, err)
	}
}

func TestUserDir_Sanitized(t *testing.T) {
	ws, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	got := ws.UserDir("../../etc")
	if filepath.Dir(got) != ws.Root {
		t.Errorf("UserDir escaped root: %q", got)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
