// repository.go implements the Workspace Repository: the in-memory cache
// of the persisted document, its atomic write-back, and the observer
// mechanism that pushes the full session list to live UIs on mutation.
//
// Two OS processes may run against the same document. The Repository does
// not lock across processes: callers reload before mutating when staleness
// is possible, the write-back is atomic at the file level, and the
// application-level read-modify-write window is accepted last-writer-wins.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

// SessionObserver receives the full session list after every successful
// mutating call that touches sessions.
type SessionObserver func([]Session)

// IntegrationObserver receives the full integration collections after every
// successful mutating call that touches integrations.
type IntegrationObserver func([]SsoIntegration, []AzureIntegration)

// Repository owns the persisted workspace document.
type Repository struct {
	mu     sync.Mutex
	path   string
	ws     *Workspace
	logger zerolog.Logger

	obsMu          sync.Mutex
	nextObsID      int
	sessionObs     map[int]SessionObserver
	integrationObs map[int]IntegrationObserver
}

// Open loads the workspace document at path, creating a fresh one on first
// run if it does not exist.
func Open(path string, logger zerolog.Logger) (*Repository, error) {
	r := &Repository{
		path:           path,
		logger:         logger.With().Str("subsystem", "repository").Logger(),
		sessionObs:     map[int]SessionObserver{},
		integrationObs: map[int]IntegrationObserver{},
	}

	ws, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		ws = NewWorkspace()
		r.ws = ws
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
		r.logger.Info().Str("path", path).Msg("created new workspace document")
	} else {
		r.ws = ws
	}

	return r, nil
}

func readDocument(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workspace document: %w", err)
	}

	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, &errdefs.ParseError{Component: "workspace repository", Fragment: clip(data), Err: err}
	}
	if ws.Version > SchemaVersion {
		return nil, &errdefs.ParseError{
			Component: "workspace repository",
			Fragment:  fmt.Sprintf("version %d", ws.Version),
			Err:       fmt.Errorf("document version %d is newer than supported version %d", ws.Version, SchemaVersion),
		}
	}
	if ws.Sessions == nil {
		ws.Sessions = []Session{}
	}
	if ws.SsoIntegrations == nil {
		ws.SsoIntegrations = []SsoIntegration{}
	}
	if ws.AzureIntegrations == nil {
		ws.AzureIntegrations = []AzureIntegration{}
	}
	return &ws, nil
}

func clip(data []byte) string {
	const max = 120
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// Path returns the location of the persisted document.
func (r *Repository) Path() string { return r.path }

// ReloadWorkspace re-reads the persisted document, discarding the
// in-memory copy. Long-lived processes call this before trusting state
// another process may have changed.
func (r *Repository) ReloadWorkspace() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := readDocument(r.path)
	if err != nil {
		return err
	}
	if ws == nil {
		ws = NewWorkspace()
	}
	r.ws = ws
	return nil
}

// Persist writes the in-memory document back to disk atomically: the
// document is written to a temp file in the same directory and renamed
// into place, so a crash mid-write never corrupts it.
func (r *Repository) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *Repository) persistLocked() error {
	data, err := json.MarshalIndent(r.ws, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workspace document: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".workspace-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp document: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("restricting temp document: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing workspace document: %w", err)
	}
	return nil
}

// --- Sessions ---

// GetSessions returns a copy of all sessions.
func (r *Repository) GetSessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, len(r.ws.Sessions))
	copy(out, r.ws.Sessions)
	return out
}

// GetSessionByID returns the session with the given identifier.
func (r *Repository) GetSessionByID(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.ws.Sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return Session{}, &errdefs.NotFoundError{Resource: "session", ID: id}
}

// AddSession appends a new session and persists. Identifiers are unique
// within the workspace: adding a duplicate ID is rejected.
func (r *Repository) AddSession(s Session) error {
	r.mu.Lock()
	for _, existing := range r.ws.Sessions {
		if existing.ID == s.ID {
			r.mu.Unlock()
			return fmt.Errorf("session id already exists: %s", s.ID)
		}
	}
	r.ws.Sessions = append(r.ws.Sessions, s)
	err := r.persistLocked()
	sessions := r.sessionsCopyLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifySessions(sessions)
	return nil
}

// UpdateSession replaces the stored session with the same ID and persists.
func (r *Repository) UpdateSession(s Session) error {
	r.mu.Lock()
	found := false
	for i := range r.ws.Sessions {
		if r.ws.Sessions[i].ID == s.ID {
			r.ws.Sessions[i] = s
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "session", ID: s.ID}
	}
	err := r.persistLocked()
	sessions := r.sessionsCopyLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifySessions(sessions)
	return nil
}

// UpdateSessions replaces the whole session collection and persists.
func (r *Repository) UpdateSessions(list []Session) error {
	r.mu.Lock()
	r.ws.Sessions = make([]Session, len(list))
	copy(r.ws.Sessions, list)
	err := r.persistLocked()
	sessions := r.sessionsCopyLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifySessions(sessions)
	return nil
}

// DeleteSession removes the session with the given ID and persists.
func (r *Repository) DeleteSession(id string) error {
	r.mu.Lock()
	idx := -1
	for i := range r.ws.Sessions {
		if r.ws.Sessions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "session", ID: id}
	}
	r.ws.Sessions = append(r.ws.Sessions[:idx], r.ws.Sessions[idx+1:]...)
	err := r.persistLocked()
	sessions := r.sessionsCopyLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifySessions(sessions)
	return nil
}

func (r *Repository) sessionsCopyLocked() []Session {
	out := make([]Session, len(r.ws.Sessions))
	copy(out, r.ws.Sessions)
	return out
}

// --- SSO integrations ---

// ListSsoIntegrations returns a copy of all SSO integrations.
func (r *Repository) ListSsoIntegrations() []SsoIntegration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SsoIntegration, len(r.ws.SsoIntegrations))
	copy(out, r.ws.SsoIntegrations)
	return out
}

// GetSsoIntegration returns the SSO integration with the given identifier.
func (r *Repository) GetSsoIntegration(id string) (SsoIntegration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.ws.SsoIntegrations {
		if in.ID == id {
			return in, nil
		}
	}
	return SsoIntegration{}, &errdefs.NotFoundError{Resource: "sso integration", ID: id}
}

// AddSsoIntegration appends a new SSO integration and persists.
func (r *Repository) AddSsoIntegration(in SsoIntegration) error {
	r.mu.Lock()
	for _, existing := range r.ws.SsoIntegrations {
		if existing.ID == in.ID {
			r.mu.Unlock()
			return fmt.Errorf("sso integration id already exists: %s", in.ID)
		}
	}
	r.ws.SsoIntegrations = append(r.ws.SsoIntegrations, in)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// UpdateSsoIntegration replaces the stored integration with the same ID.
func (r *Repository) UpdateSsoIntegration(in SsoIntegration) error {
	r.mu.Lock()
	found := false
	for i := range r.ws.SsoIntegrations {
		if r.ws.SsoIntegrations[i].ID == in.ID {
			r.ws.SsoIntegrations[i] = in
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "sso integration", ID: in.ID}
	}
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// DeleteSsoIntegration removes the integration with the given ID.
func (r *Repository) DeleteSsoIntegration(id string) error {
	r.mu.Lock()
	idx := -1
	for i := range r.ws.SsoIntegrations {
		if r.ws.SsoIntegrations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "sso integration", ID: id}
	}
	r.ws.SsoIntegrations = append(r.ws.SsoIntegrations[:idx], r.ws.SsoIntegrations[idx+1:]...)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// --- Azure integrations ---

// ListAzureIntegrations returns a copy of all Azure integrations.
func (r *Repository) ListAzureIntegrations() []AzureIntegration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AzureIntegration, len(r.ws.AzureIntegrations))
	copy(out, r.ws.AzureIntegrations)
	return out
}

// GetAzureIntegration returns the Azure integration with the given identifier.
func (r *Repository) GetAzureIntegration(id string) (AzureIntegration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.ws.AzureIntegrations {
		if in.ID == id {
			return in, nil
		}
	}
	return AzureIntegration{}, &errdefs.NotFoundError{Resource: "azure integration", ID: id}
}

// AddAzureIntegration appends a new Azure integration and persists.
func (r *Repository) AddAzureIntegration(in AzureIntegration) error {
	r.mu.Lock()
	for _, existing := range r.ws.AzureIntegrations {
		if existing.ID == in.ID {
			r.mu.Unlock()
			return fmt.Errorf("azure integration id already exists: %s", in.ID)
		}
	}
	r.ws.AzureIntegrations = append(r.ws.AzureIntegrations, in)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// UpdateAzureIntegration replaces the stored integration with the same ID.
func (r *Repository) UpdateAzureIntegration(in AzureIntegration) error {
	r.mu.Lock()
	found := false
	for i := range r.ws.AzureIntegrations {
		if r.ws.AzureIntegrations[i].ID == in.ID {
			r.ws.AzureIntegrations[i] = in
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "azure integration", ID: in.ID}
	}
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// DeleteAzureIntegration removes the integration with the given ID.
func (r *Repository) DeleteAzureIntegration(id string) error {
	r.mu.Lock()
	idx := -1
	for i := range r.ws.AzureIntegrations {
		if r.ws.AzureIntegrations[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Resource: "azure integration", ID: id}
	}
	r.ws.AzureIntegrations = append(r.ws.AzureIntegrations[:idx], r.ws.AzureIntegrations[idx+1:]...)
	err := r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.notifyIntegrations()
	return nil
}

// --- Preferences ---

// ColorTheme returns the global color theme preference.
func (r *Repository) ColorTheme() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ws.ColorTheme
}

// SetColorTheme updates the global color theme preference and persists.
func (r *Repository) SetColorTheme(theme string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ws.ColorTheme = theme
	return r.persistLocked()
}

// DefaultRegion returns the global default region preference.
func (r *Repository) DefaultRegion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ws.DefaultRegion
}

// SetDefaultRegion updates the global default region and persists.
func (r *Repository) SetDefaultRegion(region string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ws.DefaultRegion = region
	return r.persistLocked()
}

// --- Observers ---

// SubscribeSessions registers a session observer and returns its
// unsubscribe function. The observer is invoked with the full session list
// after every successful session mutation.
func (r *Repository) SubscribeSessions(obs SessionObserver) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	id := r.nextObsID
	r.nextObsID++
	r.sessionObs[id] = obs
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.sessionObs, id)
	}
}

// SubscribeIntegrations registers an integration observer and returns its
// unsubscribe function.
func (r *Repository) SubscribeIntegrations(obs IntegrationObserver) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	id := r.nextObsID
	r.nextObsID++
	r.integrationObs[id] = obs
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.integrationObs, id)
	}
}

// BroadcastSessions re-emits the current session list to all session
// observers. Used after a cross-process reload to refresh live views.
func (r *Repository) BroadcastSessions() {
	r.notifySessions(r.GetSessions())
}

// BroadcastIntegrations re-emits the current integrations to all
// integration observers.
func (r *Repository) BroadcastIntegrations() {
	r.notifyIntegrations()
}

func (r *Repository) notifySessions(sessions []Session) {
	r.obsMu.Lock()
	obs := make([]SessionObserver, 0, len(r.sessionObs))
	for _, o := range r.sessionObs {
		obs = append(obs, o)
	}
	r.obsMu.Unlock()

	for _, o := range obs {
		o(sessions)
	}
}

func (r *Repository) notifyIntegrations() {
	sso := r.ListSsoIntegrations()
	azure := r.ListAzureIntegrations()

	r.obsMu.Lock()
	obs := make([]IntegrationObserver, 0, len(r.integrationObs))
	for _, o := range r.integrationObs {
		obs = append(obs, o)
	}
	r.obsMu.Unlock()

	for _, o := range obs {
		o(sso, azure)
	}
}
