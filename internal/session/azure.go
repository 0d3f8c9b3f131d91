package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/azurecli"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// AzureProvider is the az CLI surface the Azure session service needs.
// *azurecli.CLI satisfies it; tests inject fakes.
type AzureProvider interface {
	Login(ctx context.Context, tenantID string) error
	SetDefaultLocation(ctx context.Context, location string) error
	GetAccessToken(ctx context.Context, subscriptionID string) (azurecli.AccessTokenInfo, error)
	Logout(ctx context.Context) error
	LoadProfile() (azurecli.Profile, error)
	AccessTokenExpiration(tenantID string) (time.Time, error)
}

// AzureService manages Azure sessions. The az CLI owns all token
// material; this service makes it mint or drop tokens and mirrors the
// resulting state into the workspace.
type AzureService struct {
	core  *Core
	azure AzureProvider
}

// NewAzureService creates the Azure session service.
func NewAzureService(c *Core, azure AzureProvider) *AzureService {
	return &AzureService{core: c, azure: azure}
}

// CreateAzureParams configures a new Azure session.
type CreateAzureParams struct {
	Name           string
	Region         string
	SubscriptionID string
	TenantID       string
	IntegrationID  string
}

func (p CreateAzureParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("azure session: name is required")
	}
	if p.Region == "" {
		return fmt.Errorf("azure session: region is required")
	}
	if p.SubscriptionID == "" || p.TenantID == "" {
		return fmt.Errorf("azure session: subscription id and tenant id are required")
	}
	if p.IntegrationID == "" {
		return fmt.Errorf("azure session: integration is required")
	}
	return nil
}

// Create validates params, checks the owning integration exists, and
// appends the new session to the workspace.
func (s *AzureService) Create(params CreateAzureParams) (workspace.Session, error) {
	if err := params.validate(); err != nil {
		return workspace.Session{}, err
	}
	if _, err := s.core.repo.GetAzureIntegration(params.IntegrationID); err != nil {
		return workspace.Session{}, err
	}
	sess := workspace.Session{
		ID:             uuid.NewString(),
		Name:           params.Name,
		Type:           workspace.TypeAzure,
		Status:         workspace.StatusInactive,
		Region:         params.Region,
		SubscriptionID: params.SubscriptionID,
		TenantID:       params.TenantID,
		IntegrationID:  params.IntegrationID,
	}
	if err := s.core.repo.AddSession(sess); err != nil {
		return workspace.Session{}, err
	}
	s.core.auditLog(audit.EventSessionCreated, sess.ID, map[string]string{"type": string(sess.Type)})
	return sess, nil
}

// Start makes az produce an access token for the subscription, reading
// the real expiration from the MSAL token cache.
func (s *AzureService) Start(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *AzureService) start(ctx context.Context, id string) error {
	sess, proceed, err := s.core.beginStart(id)
	if err != nil || !proceed {
		return err
	}
	creds, err := s.mint(ctx, sess)
	if err != nil {
		return s.core.failStart(id, err)
	}
	return s.core.completeStart(sess, creds)
}

func (s *AzureService) mint(ctx context.Context, sess workspace.Session) (StoredCredentials, error) {
	integration, err := s.core.repo.GetAzureIntegration(sess.IntegrationID)
	if err != nil {
		return StoredCredentials{}, err
	}

	if err := s.azure.SetDefaultLocation(ctx, sess.Region); err != nil {
		return StoredCredentials{}, err
	}

	// A fresh tenant or an expired cached token needs the interactive
	// login; otherwise az refreshes silently.
	if !integration.IsOnline || s.tokenExpired(integration) {
		if err := s.azure.Login(ctx, integration.TenantID); err != nil {
			return StoredCredentials{}, err
		}
	}

	info, err := s.azure.GetAccessToken(ctx, sess.SubscriptionID)
	if err != nil {
		return StoredCredentials{}, err
	}

	// az does not report expiration synchronously in a reliable shape;
	// the MSAL cache holds the authoritative value.
	exp, err := s.azure.AccessTokenExpiration(sess.TenantID)
	if err != nil {
		return StoredCredentials{}, err
	}

	integration.IsOnline = true
	integration.TokenExpiration = &exp
	if err := s.core.repo.UpdateAzureIntegration(integration); err != nil {
		return StoredCredentials{}, err
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return StoredCredentials{}, fmt.Errorf("encoding az token info: %w", err)
	}
	return StoredCredentials{
		SessionToken: string(payload),
		Expiration:   exp,
	}, nil
}

func (s *AzureService) tokenExpired(integration workspace.AzureIntegration) bool {
	return integration.TokenExpiration == nil || !s.core.now().Before(*integration.TokenExpiration)
}

// Stop drops the session's cached token. When this tenant is the az
// CLI's only account, az itself is logged out too.
func (s *AzureService) Stop(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()

	if err := s.core.repo.ReloadWorkspace(); err != nil {
		return err
	}
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return err
	}

	p, err := s.azure.LoadProfile()
	if err != nil {
		s.core.logger.Warn().Err(err).Str("session_id", id).Msg("reading az profile failed")
	} else if len(p.Subscriptions) < 2 {
		if err := s.azure.Logout(ctx); err != nil {
			s.core.logger.Warn().Err(err).Str("session_id", id).Msg("az logout failed")
		}
	}

	if err := s.core.keys.Delete(sessionCredentialsKey(id)); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("clearing session credentials: %w", err)
	}
	if err := s.core.setStatus(id, workspace.StatusInactive, nil); err != nil {
		return err
	}
	s.core.logger.Info().Str("session_id", id).Msg("session stopped")
	s.core.auditLog(audit.EventSessionStopped, id, nil)
	return nil
}

// Rotate refreshes the token through az when the cached one nears
// expiration.
func (s *AzureService) Rotate(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

// Delete stops the session if needed and removes it.
func (s *AzureService) Delete(ctx context.Context, id string) error {
	return s.core.deleteSession(ctx, s, id)
}

// DependantSessions is always empty for Azure sessions; chaining is an
// AWS concept.
func (s *AzureService) DependantSessions(id string) ([]workspace.Session, error) {
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return nil, err
	}
	return nil, nil
}
