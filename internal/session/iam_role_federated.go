package session

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/authflow"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

const federatedSessionDuration = 3600

// IamRoleFederatedService mints role credentials from a SAML assertion
// obtained through an identity provider sign-in.
type IamRoleFederatedService struct {
	core      *Core
	stsClient func(region string) awsapi.STSAPI
	auth      authflow.AwsSamlAuthenticator
}

// NewIamRoleFederatedService creates the federated role session service.
// The authenticator runs in the desktop process; CLI callers inject a
// proxy that forwards over the bridge.
func NewIamRoleFederatedService(c *Core, factory *awsapi.ClientFactory, auth authflow.AwsSamlAuthenticator) *IamRoleFederatedService {
	return &IamRoleFederatedService{core: c, stsClient: factory.STSFederationClient, auth: auth}
}

// CreateIamRoleFederatedParams configures a new federated role session.
type CreateIamRoleFederatedParams struct {
	Name        string
	Region      string
	ProfileName string
	RoleArn     string
	IdpURL      string
	IdpArn      string
}

func (p CreateIamRoleFederatedParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("federated session: name is required")
	}
	if p.Region == "" {
		return fmt.Errorf("federated session: region is required")
	}
	if p.RoleArn == "" || p.IdpURL == "" || p.IdpArn == "" {
		return fmt.Errorf("federated session: role arn, idp url and idp arn are required")
	}
	return nil
}

// Create validates params and appends the new session to the workspace.
func (s *IamRoleFederatedService) Create(params CreateIamRoleFederatedParams) (workspace.Session, error) {
	if err := params.validate(); err != nil {
		return workspace.Session{}, err
	}
	sess := workspace.Session{
		ID:          uuid.NewString(),
		Name:        params.Name,
		Type:        workspace.TypeIamRoleFederated,
		Status:      workspace.StatusInactive,
		Region:      params.Region,
		ProfileName: params.ProfileName,
		RoleArn:     params.RoleArn,
		IdpURL:      params.IdpURL,
		IdpArn:      params.IdpArn,
	}
	if err := s.core.repo.AddSession(sess); err != nil {
		return workspace.Session{}, err
	}
	s.core.auditLog(audit.EventSessionCreated, sess.ID, map[string]string{"type": string(sess.Type)})
	return sess, nil
}

// Start obtains a SAML assertion and exchanges it for role credentials.
func (s *IamRoleFederatedService) Start(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *IamRoleFederatedService) start(ctx context.Context, id string) error {
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

func (s *IamRoleFederatedService) mint(ctx context.Context, sess workspace.Session) (StoredCredentials, error) {
	if s.auth == nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "no saml authenticator available"}
	}
	need, err := s.auth.NeedAuthentication(ctx, sess.IdpURL)
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "idp probe failed", Err: err}
	}
	assertion, err := s.auth.AwsSignIn(ctx, sess.IdpURL, need)
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "saml sign-in failed", Err: err}
	}

	client := s.stsClient(sess.Region)
	out, err := client.AssumeRoleWithSAML(ctx, &sts.AssumeRoleWithSAMLInput{
		PrincipalArn:    aws.String(sess.IdpArn),
		RoleArn:         aws.String(sess.RoleArn),
		SAMLAssertion:   aws.String(assertion),
		DurationSeconds: aws.Int32(federatedSessionDuration),
	})
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "assume role with saml failed", Err: err}
	}
	return credentialsFromSTS(out.Credentials)
}

// Stop clears the minted credentials and the credential-file block.
func (s *IamRoleFederatedService) Stop(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.core.stopAws(id)
}

// Rotate re-runs the sign-in and exchange. A cached identity-provider
// session makes this silent.
func (s *IamRoleFederatedService) Rotate(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

// Delete stops the session if needed and removes it.
func (s *IamRoleFederatedService) Delete(ctx context.Context, id string) error {
	return s.core.deleteSession(ctx, s, id)
}

// DependantSessions lists chained sessions using this one as parent.
func (s *IamRoleFederatedService) DependantSessions(id string) ([]workspace.Session, error) {
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return nil, err
	}
	return s.core.dependantSessions(id), nil
}
