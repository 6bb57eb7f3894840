package cloud

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateInstanceID_CreatesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID error: %v", err)
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Fatalf("instance ID %q is not a UUID: %v", id1, err)
	}

	// Second call loads the same identity.
	id2, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateInstanceID error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("instance ID changed across loads: %q vs %q", id1, id2)
	}
}

func TestLoadOrCreateInstanceID_EmptyFileRegenerates(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "instance_id"), []byte("  \n"), 0644)

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID error: %v", err)
	}
	if id == "" {
		t.Fatal("blank file should yield a fresh instance ID")
	}
}
