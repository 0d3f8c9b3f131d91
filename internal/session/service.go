// Package session implements the lifecycle of credential sessions: one
// service per session type, a factory dispatching on the type tag, and
// the shared state machine inactive -> pending -> active -> inactive.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/keystore"
	"github.com/cloudkeep-io/cloudkeep/internal/profile"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// Service is the per-type session lifecycle contract.
type Service interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Rotate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DependantSessions(id string) ([]workspace.Session, error)
}

// StoredCredentials is the keystore representation of minted credentials.
type StoredCredentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken,omitempty"`
	Expiration      time.Time `json:"expiration"`
}

// LongLivedKeys is the keystore representation of an IAM user's
// long-lived access key pair.
type LongLivedKeys struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// IntegrationToken is the keystore representation of an SSO portal
// access token.
type IntegrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func sessionCredentialsKey(id string) string { return "cloudkeep." + id + ".session-credentials" }
func longLivedKeysKey(id string) string      { return "cloudkeep." + id + ".iam-user-access-keys" }
func integrationTokenKey(id string) string   { return "cloudkeep.integration." + id + ".access-token" }

// keyedMutex serializes operations per session identifier while letting
// different sessions proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	m := k.mutexFor(key)
	m.Lock()
	return m.Unlock
}

// TryLock acquires the mutex for key only if it is free.
func (k *keyedMutex) TryLock(key string) (func(), bool) {
	m := k.mutexFor(key)
	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

func (k *keyedMutex) mutexFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Core carries the collaborators shared by every session service.
type Core struct {
	repo     *workspace.Repository
	keys     keystore.Store
	profiles *profile.Writer
	audit    *audit.Logger
	logger   zerolog.Logger
	locks    *keyedMutex
	now      func() time.Time

	// refreshAhead is how long before expiration a credential counts
	// as due for rotation.
	refreshAhead time.Duration

	// startSession dispatches a start through the factory; set after
	// the factory is assembled so chained sessions can raise parents.
	startSession func(ctx context.Context, id string) error
}

// Config assembles the collaborators for a session service factory.
type Config struct {
	Repository   *workspace.Repository
	Keystore     keystore.Store
	Profiles     *profile.Writer
	Audit        *audit.Logger
	Logger       zerolog.Logger
	RefreshAhead time.Duration
	Now          func() time.Time
}

// Factory resolves the service for a session's declared type.
type Factory struct {
	core     *Core
	services map[workspace.SessionType]Service
}

// NewFactory builds the full session service family.
func NewFactory(iamUser *IamUserService, federated *IamRoleFederatedService, chained *IamRoleChainedService, ssoRole *SsoRoleService, azure *AzureService) *Factory {
	f := &Factory{
		core: iamUser.core,
		services: map[workspace.SessionType]Service{
			workspace.TypeIamUser:          iamUser,
			workspace.TypeIamRoleFederated: federated,
			workspace.TypeIamRoleChained:   chained,
			workspace.TypeSsoRole:          ssoRole,
			workspace.TypeAzure:            azure,
		},
	}
	f.core.startSession = f.Start
	return f
}

// NewCore creates the shared collaborator set handed to each service.
// All services built for one factory must share the same core.
func NewCore(cfg Config) *Core {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	refreshAhead := cfg.RefreshAhead
	if refreshAhead <= 0 {
		refreshAhead = 10 * time.Minute
	}
	return &Core{
		repo:         cfg.Repository,
		keys:         cfg.Keystore,
		profiles:     cfg.Profiles,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		locks:        newKeyedMutex(),
		now:          now,
		refreshAhead: refreshAhead,
	}
}

// ServiceFor returns the service handling the given session type.
func (f *Factory) ServiceFor(t workspace.SessionType) (Service, error) {
	svc, ok := f.services[t]
	if !ok {
		return nil, fmt.Errorf("no service for session type %q", t)
	}
	return svc, nil
}

func (f *Factory) dispatch(id string) (Service, error) {
	sess, err := f.core.repo.GetSessionByID(id)
	if err != nil {
		return nil, err
	}
	return f.ServiceFor(sess.Type)
}

// Start starts the session through its type's service.
func (f *Factory) Start(ctx context.Context, id string) error {
	svc, err := f.dispatch(id)
	if err != nil {
		return err
	}
	return svc.Start(ctx, id)
}

// Stop stops the session through its type's service.
func (f *Factory) Stop(ctx context.Context, id string) error {
	svc, err := f.dispatch(id)
	if err != nil {
		return err
	}
	return svc.Stop(ctx, id)
}

// Rotate rotates the session through its type's service.
func (f *Factory) Rotate(ctx context.Context, id string) error {
	svc, err := f.dispatch(id)
	if err != nil {
		return err
	}
	return svc.Rotate(ctx, id)
}

// Delete removes a session, cascading to any chained sessions that
// depend on it.
func (f *Factory) Delete(ctx context.Context, id string) error {
	svc, err := f.dispatch(id)
	if err != nil {
		return err
	}
	dependants, err := svc.DependantSessions(id)
	if err != nil {
		return err
	}
	for _, dep := range dependants {
		if err := f.Delete(ctx, dep.ID); err != nil {
			return err
		}
	}
	return svc.Delete(ctx, id)
}

// NeedsRotation reports whether an active session's credentials expire
// within the refresh threshold.
func NeedsRotation(s workspace.Session, now time.Time, refreshAhead time.Duration) bool {
	if s.Status != workspace.StatusActive || s.ExpirationTime == nil {
		return false
	}
	return !now.Add(refreshAhead).Before(*s.ExpirationTime)
}

// --- shared lifecycle helpers ---

func (c *Core) nearExpiry(s workspace.Session) bool {
	return NeedsRotation(s, c.now(), c.refreshAhead)
}

func (c *Core) setStatus(id string, status workspace.SessionStatus, expiration *time.Time) error {
	sess, err := c.repo.GetSessionByID(id)
	if err != nil {
		return err
	}
	sess.Status = status
	if status == workspace.StatusActive {
		sess.ExpirationTime = expiration
	} else if status == workspace.StatusInactive {
		sess.ExpirationTime = nil
	}
	return c.repo.UpdateSession(sess)
}

// beginStart reloads shared state and moves the session to pending.
// It returns the reloaded session and whether a start is needed at all:
// an active session not near expiry is left untouched.
func (c *Core) beginStart(id string) (workspace.Session, bool, error) {
	if err := c.repo.ReloadWorkspace(); err != nil {
		return workspace.Session{}, false, err
	}
	sess, err := c.repo.GetSessionByID(id)
	if err != nil {
		return workspace.Session{}, false, err
	}
	if sess.Status == workspace.StatusActive && !c.nearExpiry(sess) {
		return sess, false, nil
	}
	// Pending means another process is already minting this session.
	if sess.Status == workspace.StatusPending {
		return workspace.Session{}, false, fmt.Errorf("session %s: a mint is already in flight", id)
	}
	if err := c.setStatus(id, workspace.StatusPending, nil); err != nil {
		return workspace.Session{}, false, err
	}
	return sess, true, nil
}

// failStart reverts a failed mint to inactive. The minting error wins
// over any revert error.
func (c *Core) failStart(id string, cause error) error {
	if err := c.setStatus(id, workspace.StatusInactive, nil); err != nil {
		c.logger.Error().Err(err).Str("session_id", id).Msg("reverting session to inactive failed")
	}
	return cause
}

// completeStart persists minted credentials and activates the session.
func (c *Core) completeStart(sess workspace.Session, creds StoredCredentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return c.failStart(sess.ID, fmt.Errorf("encoding session credentials: %w", err))
	}
	if err := c.keys.Set(sessionCredentialsKey(sess.ID), string(payload)); err != nil {
		return c.failStart(sess.ID, fmt.Errorf("storing session credentials: %w", err))
	}
	if sess.IsAws() {
		if err := c.profiles.WriteBlock(sess.Profile(), profile.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Region:          sess.Region,
		}); err != nil {
			return c.failStart(sess.ID, fmt.Errorf("writing credential file: %w", err))
		}
	}
	exp := creds.Expiration
	if err := c.setStatus(sess.ID, workspace.StatusActive, &exp); err != nil {
		return err
	}
	c.logger.Info().
		Str("session_id", sess.ID).
		Str("session_type", string(sess.Type)).
		Time("expiration", exp).
		Msg("session active")
	c.auditLog(audit.EventSessionStarted, sess.ID, map[string]string{"type": string(sess.Type)})
	return nil
}

// stopAws is the stop path shared by every AWS session type: drop the
// keystore entry and the credential-file block, then mark inactive.
func (c *Core) stopAws(id string) error {
	if err := c.repo.ReloadWorkspace(); err != nil {
		return err
	}
	sess, err := c.repo.GetSessionByID(id)
	if err != nil {
		return err
	}
	if err := c.keys.Delete(sessionCredentialsKey(id)); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("clearing session credentials: %w", err)
	}
	if sess.IsAws() {
		if err := c.profiles.RemoveBlock(sess.Profile()); err != nil {
			return fmt.Errorf("removing credential file block: %w", err)
		}
	}
	if err := c.setStatus(id, workspace.StatusInactive, nil); err != nil {
		return err
	}
	c.logger.Info().Str("session_id", id).Msg("session stopped")
	c.auditLog(audit.EventSessionStopped, id, nil)
	return nil
}

// stopOthersOnProfile enforces at most one active credential per
// provider profile slot: starting a role or SSO session stops any other
// active AWS session bound to the same profile.
func (c *Core) stopOthersOnProfile(sess workspace.Session) error {
	if !sess.IsAws() {
		return nil
	}
	for _, other := range c.repo.GetSessions() {
		if other.ID == sess.ID || !other.IsAws() {
			continue
		}
		if other.Profile() != sess.Profile() {
			continue
		}
		// A pending holder is mid-mint and would come back active after
		// we finished, leaving two credentials on one slot. Give up and
		// let the caller retry once the holder settles.
		if other.Status == workspace.StatusPending {
			return fmt.Errorf("profile slot %q busy: session %s is minting", sess.Profile(), other.ID)
		}
		if other.Status != workspace.StatusActive {
			continue
		}
		// TryLock so two sessions starting into each other's profile
		// slot cannot deadlock; a busy holder is already transitioning,
		// which is the same conflict as a pending one.
		unlock, ok := c.locks.TryLock(other.ID)
		if !ok {
			return fmt.Errorf("profile slot %q busy: session %s is transitioning", sess.Profile(), other.ID)
		}
		err := c.stopAws(other.ID)
		unlock()
		if err != nil {
			return fmt.Errorf("stopping session %s on profile %q: %w", other.ID, sess.Profile(), err)
		}
	}
	return nil
}

// dependantSessions lists chained sessions whose parent is id.
func (c *Core) dependantSessions(id string) []workspace.Session {
	var out []workspace.Session
	for _, s := range c.repo.GetSessions() {
		if s.Type == workspace.TypeIamRoleChained && s.ParentSessionID == id {
			out = append(out, s)
		}
	}
	return out
}

// deleteSession removes a stopped session and every keystore entry
// written for it.
func (c *Core) deleteSession(ctx context.Context, svc Service, id string) error {
	sess, err := c.repo.GetSessionByID(id)
	if err != nil {
		return err
	}
	if sess.Status != workspace.StatusInactive {
		if err := svc.Stop(ctx, id); err != nil {
			return err
		}
	}
	for _, key := range []string{sessionCredentialsKey(id), longLivedKeysKey(id)} {
		if err := c.keys.Delete(key); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("clearing keystore entry: %w", err)
		}
	}
	if err := c.repo.DeleteSession(id); err != nil {
		return err
	}
	c.auditLog(audit.EventSessionDeleted, id, nil)
	return nil
}

func (c *Core) auditLog(event audit.EventType, sessionID string, detail map[string]string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(event, sessionID, detail); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("audit write failed")
	}
}

// sessionCredentials loads a session's minted credentials from the
// keystore.
func (c *Core) sessionCredentials(id string) (StoredCredentials, error) {
	raw, err := c.keys.Get(sessionCredentialsKey(id))
	if err != nil {
		return StoredCredentials{}, err
	}
	var creds StoredCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return StoredCredentials{}, &errdefs.ParseError{Component: "session credentials", Err: err}
	}
	return creds, nil
}

// validateParentChain walks a chained session's parent references and
// rejects missing parents and cycles.
func validateParentChain(repo *workspace.Repository, childID, parentID string) error {
	seen := map[string]bool{childID: true}
	current := parentID
	for current != "" {
		if seen[current] {
			return fmt.Errorf("chained session %s: parent chain forms a cycle at %s", childID, current)
		}
		seen[current] = true
		parent, err := repo.GetSessionByID(current)
		if err != nil {
			return &errdefs.ParentSessionUnavailableError{SessionID: childID, ParentID: current, Err: err}
		}
		if parent.Type != workspace.TypeIamRoleChained {
			return nil
		}
		current = parent.ParentSessionID
	}
	return nil
}
