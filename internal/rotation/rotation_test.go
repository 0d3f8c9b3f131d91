package rotation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

type fakeRotator struct {
	mu      sync.Mutex
	calls   []string
	err     map[string]error
	blockCh chan struct{}
}

func (f *fakeRotator) Rotate(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
	if f.blockCh != nil {
		<-f.blockCh
	}
	if f.err != nil {
		return f.err[id]
	}
	return nil
}

func (f *fakeRotator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRepo(t *testing.T) *workspace.Repository {
	t.Helper()
	repo, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening repository: %v", err)
	}
	return repo
}

func addSession(t *testing.T, repo *workspace.Repository, id string, status workspace.SessionStatus, expiresIn time.Duration) {
	t.Helper()
	exp := time.Now().Add(expiresIn)
	sess := workspace.Session{
		ID:     id,
		Name:   id,
		Type:   workspace.TypeIamUser,
		Status: status,
	}
	if status == workspace.StatusActive {
		sess.ExpirationTime = &exp
	}
	if err := repo.AddSession(sess); err != nil {
		t.Fatalf("adding session: %v", err)
	}
}

func TestTickRotatesOnlyDueSessions(t *testing.T) {
	repo := newTestRepo(t)
	addSession(t, repo, "due", workspace.StatusActive, 5*time.Minute)
	addSession(t, repo, "fresh", workspace.StatusActive, 2*time.Hour)
	addSession(t, repo, "stopped", workspace.StatusInactive, 0)

	rot := &fakeRotator{}
	e := NewEngine(repo, rot, time.Second, 10*time.Minute, zerolog.Nop())
	e.Tick(context.Background())

	if rot.callCount() != 1 || rot.calls[0] != "due" {
		t.Errorf("rotated %v, want only [due]", rot.calls)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	repo := newTestRepo(t)
	addSession(t, repo, "bad", workspace.StatusActive, time.Minute)
	addSession(t, repo, "good", workspace.StatusActive, time.Minute)

	rot := &fakeRotator{err: map[string]error{"bad": errors.New("mint failed")}}
	e := NewEngine(repo, rot, time.Second, 10*time.Minute, zerolog.Nop())
	e.Tick(context.Background())

	// Both sessions attempted despite the first one failing.
	if rot.callCount() != 2 {
		t.Errorf("rotations attempted = %d, want 2", rot.callCount())
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	repo := newTestRepo(t)
	addSession(t, repo, "due", workspace.StatusActive, time.Minute)

	rot := &fakeRotator{blockCh: make(chan struct{})}
	e := NewEngine(repo, rot, time.Second, 10*time.Minute, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		e.Tick(context.Background())
		close(done)
	}()

	// Wait for the first pass to reach the blocking rotator.
	deadline := time.Now().Add(time.Second)
	for rot.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A tick during the in-flight pass must be a no-op.
	e.Tick(context.Background())
	if rot.callCount() != 1 {
		t.Errorf("overlapping tick started a second pass: %d calls", rot.callCount())
	}

	close(rot.blockCh)
	<-done
}

func TestTickPicksUpExternalChanges(t *testing.T) {
	repo := newTestRepo(t)
	rot := &fakeRotator{}
	e := NewEngine(repo, rot, time.Second, 10*time.Minute, zerolog.Nop())

	// Another process writes a due session into the shared document.
	other, err := workspace.Open(repo.Path(), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening second repository: %v", err)
	}
	addSession(t, other, "external", workspace.StatusActive, time.Minute)

	e.Tick(context.Background())
	if rot.callCount() != 1 || rot.calls[0] != "external" {
		t.Errorf("rotated %v, want [external]", rot.calls)
	}
}
