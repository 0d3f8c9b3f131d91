package keystore

import (
	"path/filepath"
	"testing"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

func TestSetGetDelete(t *testing.T) {
	s := NewMemoryStore()

	if err := s.Set("session-1-session-token", `{"accessKeyId":"ASIA..."}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	v, err := s.Get("session-1-session-token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != `{"accessKeyId":"ASIA..."}` {
		t.Errorf("unexpected value: %s", v)
	}

	if err := s.Delete("session-1-session-token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("session-1-session-token"); !errdefs.IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}

	// Deleting an absent key is idempotent.
	if err := s.Delete("session-1-session-token"); err != nil {
		t.Errorf("second delete should be a no-op: %v", err)
	}
}

func TestFileStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bin")

	s, err := OpenFileStore(path, "pass")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	if err := s.Set("int-1-sso-access-token", "token-material"); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.Close()

	reopened, err := OpenFileStore(path, "pass")
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	v, err := reopened.Get("int-1-sso-access-token")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if v != "token-material" {
		t.Errorf("unexpected value: %s", v)
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bin")

	s, err := OpenFileStore(path, "correct")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	s.Set("k", "v")
	s.Close()

	if _, err := OpenFileStore(path, "wrong"); err == nil {
		t.Fatal("expected wrong passphrase to be rejected")
	}
}
