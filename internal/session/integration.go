package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// SsoIntegrationService manages SSO portal integrations: creation,
// sign-in (device grant), sign-out and removal.
type SsoIntegrationService struct {
	core      *Core
	ssoClient func(region string) awsapi.SSOAPI
	tokens    PortalTokenProvider
	factory   *Factory
}

// NewSsoIntegrationService creates the SSO integration service. factory
// is used to stop and delete sessions owned by an integration being
// removed.
func NewSsoIntegrationService(c *Core, clientFactory *awsapi.ClientFactory, tokens PortalTokenProvider, factory *Factory) *SsoIntegrationService {
	return &SsoIntegrationService{core: c, ssoClient: clientFactory.SSOClient, tokens: tokens, factory: factory}
}

// CreateSsoIntegrationParams configures a new SSO integration.
type CreateSsoIntegrationParams struct {
	Alias          string
	PortalURL      string
	Region         string
	BrowserOpening string
}

// Create validates params and appends the integration to the workspace.
func (s *SsoIntegrationService) Create(params CreateSsoIntegrationParams) (workspace.SsoIntegration, error) {
	if params.Alias == "" || params.PortalURL == "" || params.Region == "" {
		return workspace.SsoIntegration{}, fmt.Errorf("sso integration: alias, portal url and region are required")
	}
	integration := workspace.SsoIntegration{
		ID:             uuid.NewString(),
		Alias:          params.Alias,
		PortalURL:      params.PortalURL,
		Region:         params.Region,
		BrowserOpening: params.BrowserOpening,
	}
	if err := s.core.repo.AddSsoIntegration(integration); err != nil {
		return workspace.SsoIntegration{}, err
	}
	return integration, nil
}

// SignIn runs the device grant for the integration and caches the
// resulting portal token.
func (s *SsoIntegrationService) SignIn(ctx context.Context, id string) error {
	integration, err := s.core.repo.GetSsoIntegration(id)
	if err != nil {
		return err
	}
	if s.tokens == nil {
		return &errdefs.AuthenticationFailedError{Reason: "no device grant engine available"}
	}
	token, err := s.tokens.Authenticate(ctx, integration.ID, integration.PortalURL, integration.Region)
	if err != nil {
		return err
	}
	if err := storeIntegrationToken(s.core, integration, token); err != nil {
		return err
	}
	s.core.auditLog(audit.EventIntegrationSignIn, "", map[string]string{"integration_id": id})
	return nil
}

// RoleOption is one assumable account/role pair visible through a
// signed-in SSO portal, the raw material for sso_role sessions.
type RoleOption struct {
	AccountID   string
	AccountName string
	RoleName    string
}

// AvailableRoles enumerates every account and role reachable with the
// integration's cached portal token. Requires a prior SignIn.
func (s *SsoIntegrationService) AvailableRoles(ctx context.Context, id string) ([]RoleOption, error) {
	integration, err := s.core.repo.GetSsoIntegration(id)
	if err != nil {
		return nil, err
	}
	raw, err := s.core.keys.Get(integrationTokenKey(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, &errdefs.CredentialExpiredError{Subject: "sso integration " + id}
		}
		return nil, fmt.Errorf("reading integration token: %w", err)
	}
	var cached IntegrationToken
	if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr != nil {
		return nil, &errdefs.ParseError{Component: "sso integration token", Err: jsonErr}
	}
	if !s.core.now().Before(cached.ExpiresAt) {
		return nil, &errdefs.CredentialExpiredError{Subject: "sso integration " + id}
	}

	client := s.ssoClient(integration.Region)
	var options []RoleOption
	var accountsToken *string
	for {
		accounts, err := client.ListAccounts(ctx, &sso.ListAccountsInput{
			AccessToken: aws.String(cached.Token),
			NextToken:   accountsToken,
		})
		if err != nil {
			return nil, &errdefs.AuthenticationFailedError{Reason: "sso list accounts failed", Err: err}
		}
		for _, acct := range accounts.AccountList {
			var rolesToken *string
			for {
				roles, err := client.ListAccountRoles(ctx, &sso.ListAccountRolesInput{
					AccessToken: aws.String(cached.Token),
					AccountId:   acct.AccountId,
					NextToken:   rolesToken,
				})
				if err != nil {
					return nil, &errdefs.AuthenticationFailedError{Reason: "sso list account roles failed", Err: err}
				}
				for _, role := range roles.RoleList {
					options = append(options, RoleOption{
						AccountID:   aws.ToString(acct.AccountId),
						AccountName: aws.ToString(acct.AccountName),
						RoleName:    aws.ToString(role.RoleName),
					})
				}
				rolesToken = roles.NextToken
				if rolesToken == nil {
					break
				}
			}
		}
		accountsToken = accounts.NextToken
		if accountsToken == nil {
			break
		}
	}
	return options, nil
}

// SignOut invalidates the portal token with the provider, drops it from
// the keystore and clears the recorded expiration.
func (s *SsoIntegrationService) SignOut(ctx context.Context, id string) error {
	integration, err := s.core.repo.GetSsoIntegration(id)
	if err != nil {
		return err
	}

	if raw, err := s.core.keys.Get(integrationTokenKey(id)); err == nil {
		var cached IntegrationToken
		if json.Unmarshal([]byte(raw), &cached) == nil && cached.Token != "" {
			client := s.ssoClient(integration.Region)
			if _, err := client.Logout(ctx, &sso.LogoutInput{AccessToken: aws.String(cached.Token)}); err != nil {
				s.core.logger.Warn().Err(err).Str("integration_id", id).Msg("portal logout failed")
			}
		}
	}
	if err := s.core.keys.Delete(integrationTokenKey(id)); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("clearing integration token: %w", err)
	}

	integration.AccessTokenExpiration = nil
	if err := s.core.repo.UpdateSsoIntegration(integration); err != nil {
		return err
	}
	s.core.auditLog(audit.EventIntegrationSignOut, "", map[string]string{"integration_id": id})
	return nil
}

// Delete signs out, removes every session owned by the integration and
// finally removes the integration itself.
func (s *SsoIntegrationService) Delete(ctx context.Context, id string) error {
	if err := s.SignOut(ctx, id); err != nil {
		return err
	}
	for _, sess := range s.core.repo.GetSessions() {
		if sess.Type == workspace.TypeSsoRole && sess.IntegrationID == id {
			if err := s.factory.Delete(ctx, sess.ID); err != nil {
				return err
			}
		}
	}
	return s.core.repo.DeleteSsoIntegration(id)
}

// AzureIntegrationService manages Azure tenant integrations.
type AzureIntegrationService struct {
	core    *Core
	azure   AzureProvider
	factory *Factory
}

// NewAzureIntegrationService creates the Azure integration service.
func NewAzureIntegrationService(c *Core, azure AzureProvider, factory *Factory) *AzureIntegrationService {
	return &AzureIntegrationService{core: c, azure: azure, factory: factory}
}

// CreateAzureIntegrationParams configures a new Azure integration.
type CreateAzureIntegrationParams struct {
	Alias    string
	TenantID string
	Region   string
}

// Create validates params and appends the integration to the workspace.
func (s *AzureIntegrationService) Create(params CreateAzureIntegrationParams) (workspace.AzureIntegration, error) {
	if params.Alias == "" || params.TenantID == "" || params.Region == "" {
		return workspace.AzureIntegration{}, fmt.Errorf("azure integration: alias, tenant id and region are required")
	}
	integration := workspace.AzureIntegration{
		ID:       uuid.NewString(),
		Alias:    params.Alias,
		TenantID: params.TenantID,
		Region:   params.Region,
	}
	if err := s.core.repo.AddAzureIntegration(integration); err != nil {
		return workspace.AzureIntegration{}, err
	}
	return integration, nil
}

// SignIn runs the interactive az login for the tenant and records the
// integration as online.
func (s *AzureIntegrationService) SignIn(ctx context.Context, id string) error {
	integration, err := s.core.repo.GetAzureIntegration(id)
	if err != nil {
		return err
	}
	if err := s.azure.Login(ctx, integration.TenantID); err != nil {
		return err
	}
	integration.IsOnline = true
	if err := s.core.repo.UpdateAzureIntegration(integration); err != nil {
		return err
	}
	s.core.auditLog(audit.EventIntegrationSignIn, "", map[string]string{"integration_id": id})
	return nil
}

// SignOut logs the az CLI out and marks the integration offline.
func (s *AzureIntegrationService) SignOut(ctx context.Context, id string) error {
	integration, err := s.core.repo.GetAzureIntegration(id)
	if err != nil {
		return err
	}
	if err := s.azure.Logout(ctx); err != nil {
		s.core.logger.Warn().Err(err).Str("integration_id", id).Msg("az logout failed")
	}
	integration.IsOnline = false
	integration.TokenExpiration = nil
	if err := s.core.repo.UpdateAzureIntegration(integration); err != nil {
		return err
	}
	s.core.auditLog(audit.EventIntegrationSignOut, "", map[string]string{"integration_id": id})
	return nil
}

// Delete removes every session owned by the integration, then the
// integration itself.
func (s *AzureIntegrationService) Delete(ctx context.Context, id string) error {
	if _, err := s.core.repo.GetAzureIntegration(id); err != nil {
		return err
	}
	for _, sess := range s.core.repo.GetSessions() {
		if sess.Type == workspace.TypeAzure && sess.IntegrationID == id {
			if err := s.factory.Delete(ctx, sess.ID); err != nil {
				return err
			}
		}
	}
	return s.core.repo.DeleteAzureIntegration(id)
}
