// Package keystore defines the Credential Store capability: secret
// material (long-lived keys, session tokens, SSO access tokens) never
// enters the workspace document and lives only here, keyed by session or
// integration identifier.
//
// The default implementation is a file-backed store encrypted with
// AES-256-GCM under a master key derived from a per-installation
// passphrase via Argon2id. Platform keychain backends satisfy the same
// interface and are injected by the embedding application.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

// Store is the injected key -> secret capability used by the session
// services and the authentication flow engine.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

const (
	// Argon2id parameters: m=64MB, t=3, p=4.
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 32
	nonceLen = 12 // AES-256-GCM standard nonce size
)

type entry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type storeFile struct {
	Salt    []byte            `json:"salt"`
	Entries map[string]*entry `json:"entries"`
}

// FileStore is the default encrypted file-backed credential store.
type FileStore struct {
	mu        sync.RWMutex
	masterKey []byte
	salt      []byte
	entries   map[string]*entry
	path      string // empty for memory-only mode
}

// DeriveKey derives the 256-bit master key from a passphrase and salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey(
		[]byte(passphrase),
		salt,
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
}

// OpenFileStore opens the store at path, creating it with a fresh salt on
// first run.
func OpenFileStore(path, passphrase string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createFileStore(path, passphrase)
		}
		return nil, fmt.Errorf("reading keystore file: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, &errdefs.ParseError{Component: "keystore", Err: err}
	}

	s := &FileStore{
		masterKey: DeriveKey(passphrase, sf.Salt),
		salt:      sf.Salt,
		entries:   sf.Entries,
		path:      path,
	}
	if s.entries == nil {
		s.entries = make(map[string]*entry)
	}

	// Validate the master key against any existing entry so a wrong
	// passphrase fails early instead of on first Get.
	for key := range s.entries {
		if _, err := s.Get(key); err != nil {
			zero(s.masterKey)
			return nil, fmt.Errorf("incorrect keystore passphrase or corrupted store")
		}
		break
	}

	return s, nil
}

// NewMemoryStore creates an in-memory store that never touches disk.
// Intended for tests.
func NewMemoryStore() *FileStore {
	s, _ := createFileStore("", "memory-only")
	return s
}

func createFileStore(path, passphrase string) (*FileStore, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	s := &FileStore{
		masterKey: DeriveKey(passphrase, salt),
		salt:      salt,
		entries:   make(map[string]*entry),
		path:      path,
	}
	if path != "" {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set encrypts and stores a secret under the given key, persisting
// immediately so a concurrently-running process observes it.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gcm, err := s.cipher()
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	// Key doubles as AAD so ciphertexts cannot be swapped between keys.
	ciphertext := gcm.Seal(nil, nonce, []byte(value), []byte(key))
	s.entries[key] = &entry{Nonce: nonce, Ciphertext: ciphertext}
	return s.flushLocked()
}

// Get decrypts and returns the secret stored under the given key.
func (s *FileStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return "", &errdefs.NotFoundError{Resource: "secret", ID: key}
	}

	gcm, err := s.cipher()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, e.Nonce, e.Ciphertext, []byte(key))
	if err != nil {
		return "", fmt.Errorf("decrypting keystore entry: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a secret. Deleting an absent key is a no-op so stop can
// clear entries idempotently.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.flushLocked()
}

// Close zeroes the master key.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.masterKey)
	return nil
}

func (s *FileStore) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func (s *FileStore) flushLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := json.Marshal(storeFile{Salt: s.salt, Entries: s.entries})
	if err != nil {
		return fmt.Errorf("marshaling keystore: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("writing keystore file: %w", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
