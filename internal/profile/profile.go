// Package profile writes and removes single profile blocks in the AWS
// shared credentials file. Only the block for the affected session is
// touched; every unrelated block is preserved byte-for-byte so
// externally-managed profiles keep working.
package profile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// Credentials is one short-lived credential triple plus its region.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Writer rewrites profile blocks in a provider credential file.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a writer for the credential file at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the credential file path.
func (w *Writer) Path() string { return w.path }

// WriteBlock writes or replaces the named profile block. The rest of
// the file is spliced back unchanged.
func (w *Writer) WriteBlock(name string, creds Credentials) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := w.read()
	if err != nil {
		return err
	}
	block, err := renderBlock(name, creds)
	if err != nil {
		return err
	}
	return w.save(spliceSection(raw, name, block))
}

// RemoveBlock removes the named profile block if present, leaving all
// other blocks untouched.
func (w *Writer) RemoveBlock(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := w.read()
	if err != nil {
		return err
	}
	if !hasSection(raw, name) {
		return nil
	}
	return w.save(spliceSection(raw, name, nil))
}

// HasBlock reports whether the named profile block exists.
func (w *Writer) HasBlock(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := ini.LooseLoad(w.path)
	if err != nil {
		return false
	}
	_, err = f.GetSection(name)
	return err == nil
}

// renderBlock formats just the managed section.
func renderBlock(name string, creds Credentials) ([]byte, error) {
	f := ini.Empty()
	sec, err := f.NewSection(name)
	if err != nil {
		return nil, fmt.Errorf("creating profile section %q: %w", name, err)
	}
	sec.Key("aws_access_key_id").SetValue(creds.AccessKeyID)
	sec.Key("aws_secret_access_key").SetValue(creds.SecretAccessKey)
	if creds.SessionToken != "" {
		sec.Key("aws_session_token").SetValue(creds.SessionToken)
	}
	if creds.Region != "" {
		sec.Key("region").SetValue(creds.Region)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering profile section %q: %w", name, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// spliceSection replaces the named section's lines with block, or
// removes them when block is nil. All other lines pass through
// untouched. A missing section appends the block at the end.
func spliceSection(raw []byte, name string, block []byte) []byte {
	lines := strings.SplitAfter(string(raw), "\n")
	start, end := -1, len(lines)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start < 0 {
			if trimmed == "["+name+"]" {
				start = i
			}
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			end = i
			break
		}
	}

	var out bytes.Buffer
	if start < 0 {
		out.Write(raw)
		if len(raw) > 0 && !bytes.HasSuffix(raw, []byte("\n")) {
			out.WriteByte('\n')
		}
		if block != nil {
			out.Write(block)
			out.WriteByte('\n')
		}
		return out.Bytes()
	}

	for _, line := range lines[:start] {
		out.WriteString(line)
	}
	if block != nil {
		out.Write(block)
		out.WriteByte('\n')
	}
	for _, line := range lines[end:] {
		out.WriteString(line)
	}
	return out.Bytes()
}

func hasSection(raw []byte, name string) bool {
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "["+name+"]" {
			return true
		}
	}
	return false
}

func (w *Writer) read() ([]byte, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading credential file: %w", err)
	}
	return raw, nil
}

func (w *Writer) save(raw []byte) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating credential file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("restricting credential file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}
