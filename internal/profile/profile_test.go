package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	return NewWriter(filepath.Join(t.TempDir(), "credentials"))
}

func TestWriteAndRemoveBlock(t *testing.T) {
	w := newTestWriter(t)

	creds := Credentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Region:          "eu-west-1",
	}
	if err := w.WriteBlock("work", creds); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if !w.HasBlock("work") {
		t.Fatal("expected work block to exist")
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	for _, want := range []string{"[work]", "AKIAEXAMPLE", "aws_session_token", "eu-west-1"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("credential file missing %q:\n%s", want, data)
		}
	}

	if err := w.RemoveBlock("work"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	if w.HasBlock("work") {
		t.Fatal("expected work block to be gone")
	}
}

func TestRemoveBlockMissingIsNoop(t *testing.T) {
	w := newTestWriter(t)
	if err := w.RemoveBlock("absent"); err != nil {
		t.Fatalf("RemoveBlock on missing block: %v", err)
	}
}

func TestUnrelatedBlocksPreservedByteForByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	// Hand-maintained formatting: no spaces around =, a comment, odd
	// casing. None of it may be rewritten.
	seed := "# managed by hand\n[manual]\naws_access_key_id=AKIAMANUAL\naws_secret_access_key=handwritten\n"
	if err := os.WriteFile(path, []byte(seed), 0600); err != nil {
		t.Fatalf("seeding credential file: %v", err)
	}

	w := NewWriter(path)
	if err := w.WriteBlock("managed", Credentials{
		AccessKeyID:     "AKIAMANAGED",
		SecretAccessKey: "rotated",
	}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	if !strings.HasPrefix(string(data), seed) {
		t.Errorf("manual block rewritten.\nbefore: %q\nafter:  %q", seed, data)
	}
	if !strings.Contains(string(data), "AKIAMANAGED") {
		t.Errorf("managed block missing:\n%s", data)
	}

	if err := w.RemoveBlock("managed"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	if string(data) != seed {
		t.Errorf("file not restored byte-for-byte.\nbefore: %q\nafter:  %q", seed, data)
	}
}

func TestWriteBlockBetweenUnrelatedBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	seed := "[first]\naws_access_key_id=AAA\n[managed]\naws_access_key_id = OLD\n[last]\naws_access_key_id=ZZZ\n"
	if err := os.WriteFile(path, []byte(seed), 0600); err != nil {
		t.Fatalf("seeding credential file: %v", err)
	}

	w := NewWriter(path)
	if err := w.WriteBlock("managed", Credentials{
		AccessKeyID:     "NEW",
		SecretAccessKey: "s",
	}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "[first]\naws_access_key_id=AAA\n") {
		t.Errorf("leading block changed:\n%s", got)
	}
	if !strings.HasSuffix(got, "[last]\naws_access_key_id=ZZZ\n") {
		t.Errorf("trailing block changed:\n%s", got)
	}
	if strings.Contains(got, "OLD") || !strings.Contains(got, "NEW") {
		t.Errorf("managed block not replaced in place:\n%s", got)
	}
}

func TestWriteBlockReplacesExisting(t *testing.T) {
	w := newTestWriter(t)
	if err := w.WriteBlock("p", Credentials{AccessKeyID: "OLD", SecretAccessKey: "old"}); err != nil {
		t.Fatalf("first WriteBlock: %v", err)
	}
	if err := w.WriteBlock("p", Credentials{AccessKeyID: "NEW", SecretAccessKey: "new"}); err != nil {
		t.Fatalf("second WriteBlock: %v", err)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("reading credential file: %v", err)
	}
	if strings.Contains(string(data), "OLD") {
		t.Errorf("stale credentials survived rewrite:\n%s", data)
	}
	if !strings.Contains(string(data), "NEW") {
		t.Errorf("rewritten credentials missing:\n%s", data)
	}
	if n := strings.Count(string(data), "[p]"); n != 1 {
		t.Errorf("expected exactly one [p] block, got %d", n)
	}
}

func TestFilePermissions(t *testing.T) {
	w := newTestWriter(t)
	if err := w.WriteBlock("p", Credentials{AccessKeyID: "A", SecretAccessKey: "s"}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("credential file mode = %o, want 0600", got)
	}
}
