package resume

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "resume.db"), ttl)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoad_roundTrip(t *testing.T) {
	store := openTestStore(t, 7*24*time.Hour)

	store.Save("ch-1", 1234.5)

	pos, ok := store.Load("ch-1")
	if !ok {
		t.Fatal("expected stored position within TTL")
	}
	if pos != 1234.5 {
		t.Errorf("Load = %v, want 1234.5", pos)
	}
}

func TestLoad_absentChannel(t *testing.T) {
	store := openTestStore(t, time.Hour)

	if _, ok := store.Load("never-seen"); ok {
		t.Error("expected absent for unknown channel")
	}
}

func TestSave_overwritesPrevious(t *testing.T) {
	store := openTestStore(t, time.Hour)

	store.Save("ch-1", 10)
	store.Save("ch-1", 42)

	pos, ok := store.Load("ch-1")
	if !ok || pos != 42 {
		t.Errorf("Load = %v, %v; want 42, true", pos, ok)
	}
}

func TestLoad_expiredEntryPurged(t *testing.T) {
	store := openTestStore(t, 7*24*time.Hour)

	store.Save("ch-1", 99)

	// move the clock 8 days forward: the entry is past TTL
	store.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	if _, ok := store.Load("ch-1"); ok {
		t.Fatal("expected expired entry to be absent")
	}

	// record must be gone even after the clock returns to normal
	store.now = time.Now
	if _, ok := store.Load("ch-1"); ok {
		t.Error("expected expired entry to have been purged on read")
	}
}

func TestSave_ignoresInvalidInput(t *testing.T) {
	store := openTestStore(t, time.Hour)

	store.Save("", 10)
	store.Save("ch-1", -5)

	if _, ok := store.Load("ch-1"); ok {
		t.Error("negative position must not be stored")
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t, time.Hour)

	store.Save("ch-1", 10)
	store.Delete("ch-1")

	if _, ok := store.Load("ch-1"); ok {
		t.Error("expected deleted entry to be absent")
	}
}
