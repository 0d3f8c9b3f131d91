package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/authflow"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// PortalTokenProvider obtains an SSO portal access token, running the
// device authorization grant when no valid cached token exists.
type PortalTokenProvider interface {
	Authenticate(ctx context.Context, integrationID, portalURL, region string) (authflow.AccessToken, error)
}

// SsoRoleService mints role credentials from an SSO portal access token.
type SsoRoleService struct {
	core      *Core
	ssoClient func(region string) awsapi.SSOAPI
	tokens    PortalTokenProvider
}

// NewSsoRoleService creates the SSO role session service.
func NewSsoRoleService(c *Core, factory *awsapi.ClientFactory, tokens PortalTokenProvider) *SsoRoleService {
	return &SsoRoleService{core: c, ssoClient: factory.SSOClient, tokens: tokens}
}

// CreateSsoRoleParams configures a new SSO role session.
type CreateSsoRoleParams struct {
	Name          string
	Region        string
	ProfileName   string
	AccountID     string
	RoleName      string
	IntegrationID string
}

func (p CreateSsoRoleParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("sso role session: name is required")
	}
	if p.Region == "" {
		return fmt.Errorf("sso role session: region is required")
	}
	if p.AccountID == "" || p.RoleName == "" {
		return fmt.Errorf("sso role session: account id and role name are required")
	}
	if p.IntegrationID == "" {
		return fmt.Errorf("sso role session: integration is required")
	}
	return nil
}

// Create validates params, checks the owning integration exists, and
// appends the new session to the workspace.
func (s *SsoRoleService) Create(params CreateSsoRoleParams) (workspace.Session, error) {
	if err := params.validate(); err != nil {
		return workspace.Session{}, err
	}
	if _, err := s.core.repo.GetSsoIntegration(params.IntegrationID); err != nil {
		return workspace.Session{}, err
	}
	sess := workspace.Session{
		ID:            uuid.NewString(),
		Name:          params.Name,
		Type:          workspace.TypeSsoRole,
		Status:        workspace.StatusInactive,
		Region:        params.Region,
		ProfileName:   params.ProfileName,
		AccountID:     params.AccountID,
		RoleName:      params.RoleName,
		IntegrationID: params.IntegrationID,
	}
	if err := s.core.repo.AddSession(sess); err != nil {
		return workspace.Session{}, err
	}
	s.core.auditLog(audit.EventSessionCreated, sess.ID, map[string]string{"type": string(sess.Type)})
	return sess, nil
}

// Start fetches role credentials from the SSO portal, signing in first
// when the integration token is missing or expired.
func (s *SsoRoleService) Start(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *SsoRoleService) start(ctx context.Context, id string) error {
	sess, proceed, err := s.core.beginStart(id)
	if err != nil || !proceed {
		return err
	}
	if err := s.core.stopOthersOnProfile(sess); err != nil {
		return s.core.failStart(id, err)
	}
	creds, err := s.mint(ctx, sess)
	if err != nil {
		return s.core.failStart(id, err)
	}
	return s.core.completeStart(sess, creds)
}

func (s *SsoRoleService) mint(ctx context.Context, sess workspace.Session) (StoredCredentials, error) {
	integration, err := s.core.repo.GetSsoIntegration(sess.IntegrationID)
	if err != nil {
		return StoredCredentials{}, err
	}
	token, err := s.portalToken(ctx, integration)
	if err != nil {
		return StoredCredentials{}, err
	}

	client := s.ssoClient(integration.Region)
	out, err := client.GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(token),
		AccountId:   aws.String(sess.AccountID),
		RoleName:    aws.String(sess.RoleName),
	})
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "sso get role credentials failed", Err: err}
	}
	rc := out.RoleCredentials
	if rc == nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "provider returned no credentials"}
	}
	return StoredCredentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		Expiration:      time.UnixMilli(rc.Expiration),
	}, nil
}

// portalToken returns a valid cached portal token or runs the device
// grant to obtain a fresh one.
func (s *SsoRoleService) portalToken(ctx context.Context, integration workspace.SsoIntegration) (string, error) {
	raw, err := s.core.keys.Get(integrationTokenKey(integration.ID))
	if err == nil {
		var cached IntegrationToken
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil && s.core.now().Before(cached.ExpiresAt) {
			return cached.Token, nil
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("reading integration token: %w", err)
	}

	if s.tokens == nil {
		return "", &errdefs.CredentialExpiredError{Subject: "sso integration " + integration.ID}
	}
	fresh, err := s.tokens.Authenticate(ctx, integration.ID, integration.PortalURL, integration.Region)
	if err != nil {
		return "", err
	}
	if err := storeIntegrationToken(s.core, integration, fresh); err != nil {
		return "", err
	}
	return fresh.Token, nil
}

// storeIntegrationToken persists a fresh portal token to the keystore
// and records its expiration on the integration.
func storeIntegrationToken(c *Core, integration workspace.SsoIntegration, token authflow.AccessToken) error {
	payload, err := json.Marshal(IntegrationToken{Token: token.Token, ExpiresAt: token.ExpiresAt})
	if err != nil {
		return fmt.Errorf("encoding integration token: %w", err)
	}
	if err := c.keys.Set(integrationTokenKey(integration.ID), string(payload)); err != nil {
		return fmt.Errorf("storing integration token: %w", err)
	}
	exp := token.ExpiresAt
	integration.AccessTokenExpiration = &exp
	return c.repo.UpdateSsoIntegration(integration)
}

// Stop clears the minted credentials and the credential-file block. The
// integration's portal token stays cached for other sessions.
func (s *SsoRoleService) Stop(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.core.stopAws(id)
}

// Rotate re-fetches role credentials; a valid cached portal token makes
// this silent.
func (s *SsoRoleService) Rotate(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

// Delete stops the session if needed and removes it.
func (s *SsoRoleService) Delete(ctx context.Context, id string) error {
	return s.core.deleteSession(ctx, s, id)
}

// DependantSessions lists chained sessions using this one as parent.
func (s *SsoRoleService) DependantSessions(id string) ([]workspace.Session, error) {
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return nil, err
	}
	return s.core.dependantSessions(id), nil
}
