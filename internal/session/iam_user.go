package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// MfaCodePrompter asks the user for a one-time MFA code. The terminal
// implementation lives in the CLI; the daemon injects its own.
type MfaCodePrompter interface {
	PromptMfaCode(device string) (string, error)
}

const iamUserSessionDuration = 3600

// IamUserService mints session tokens from an IAM user's long-lived
// access keys via STS GetSessionToken.
type IamUserService struct {
	core      *Core
	stsClient func(region, accessKeyID, secretAccessKey, sessionToken string) awsapi.STSAPI
	mfa       MfaCodePrompter
}

// NewIamUserService creates the IAM user session service.
func NewIamUserService(c *Core, factory *awsapi.ClientFactory, mfa MfaCodePrompter) *IamUserService {
	return &IamUserService{core: c, stsClient: factory.STSClient, mfa: mfa}
}

// CreateIamUserParams configures a new IAM user session.
type CreateIamUserParams struct {
	Name            string
	Region          string
	ProfileName     string
	MfaDevice       string
	AccessKeyID     string
	SecretAccessKey string
}

func (p CreateIamUserParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("iam user session: name is required")
	}
	if p.Region == "" {
		return fmt.Errorf("iam user session: region is required")
	}
	if p.AccessKeyID == "" || p.SecretAccessKey == "" {
		return fmt.Errorf("iam user session: access key pair is required")
	}
	return nil
}

// Create validates params, stores the long-lived keys in the keystore
// and appends the new session to the workspace.
func (s *IamUserService) Create(params CreateIamUserParams) (workspace.Session, error) {
	if err := params.validate(); err != nil {
		return workspace.Session{}, err
	}
	sess := workspace.Session{
		ID:          uuid.NewString(),
		Name:        params.Name,
		Type:        workspace.TypeIamUser,
		Status:      workspace.StatusInactive,
		Region:      params.Region,
		ProfileName: params.ProfileName,
		MfaDevice:   params.MfaDevice,
	}
	keys, err := json.Marshal(LongLivedKeys{
		AccessKeyID:     params.AccessKeyID,
		SecretAccessKey: params.SecretAccessKey,
	})
	if err != nil {
		return workspace.Session{}, fmt.Errorf("encoding access keys: %w", err)
	}
	if err := s.core.keys.Set(longLivedKeysKey(sess.ID), string(keys)); err != nil {
		return workspace.Session{}, fmt.Errorf("storing access keys: %w", err)
	}
	if err := s.core.repo.AddSession(sess); err != nil {
		return workspace.Session{}, err
	}
	s.core.auditLog(audit.EventSessionCreated, sess.ID, map[string]string{"type": string(sess.Type)})
	return sess, nil
}

// Start mints short-lived keys for the session.
func (s *IamUserService) Start(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *IamUserService) start(ctx context.Context, id string) error {
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

func (s *IamUserService) mint(ctx context.Context, sess workspace.Session) (StoredCredentials, error) {
	raw, err := s.core.keys.Get(longLivedKeysKey(sess.ID))
	if err != nil {
		return StoredCredentials{}, fmt.Errorf("reading access keys: %w", err)
	}
	var keys LongLivedKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return StoredCredentials{}, &errdefs.ParseError{Component: "iam user access keys", Err: err}
	}

	input := &sts.GetSessionTokenInput{
		DurationSeconds: aws.Int32(iamUserSessionDuration),
	}
	if sess.MfaDevice != "" {
		if s.mfa == nil {
			return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "mfa code required but no prompter available"}
		}
		code, err := s.mfa.PromptMfaCode(sess.MfaDevice)
		if err != nil {
			return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "mfa prompt failed", Err: err}
		}
		input.SerialNumber = aws.String(sess.MfaDevice)
		input.TokenCode = aws.String(code)
	}

	client := s.stsClient(sess.Region, keys.AccessKeyID, keys.SecretAccessKey, "")
	out, err := client.GetSessionToken(ctx, input)
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "sts get session token failed", Err: err}
	}
	return credentialsFromSTS(out.Credentials)
}

// Stop clears the minted credentials, leaving the long-lived keys in
// place for the next start.
func (s *IamUserService) Stop(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.core.stopAws(id)
}

// Rotate re-mints the session token.
func (s *IamUserService) Rotate(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

// Delete stops the session if needed and removes it plus its keystore
// entries.
func (s *IamUserService) Delete(ctx context.Context, id string) error {
	return s.core.deleteSession(ctx, s, id)
}

// DependantSessions lists chained sessions using this one as parent.
func (s *IamUserService) DependantSessions(id string) ([]workspace.Session, error) {
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return nil, err
	}
	return s.core.dependantSessions(id), nil
}

// credentialsFromSTS converts the STS credential shape shared by
// GetSessionToken, AssumeRole and AssumeRoleWithSAML.
func credentialsFromSTS(c *types.Credentials) (StoredCredentials, error) {
	if c == nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "provider returned no credentials"}
	}
	exp := time.Time{}
	if c.Expiration != nil {
		exp = *c.Expiration
	}
	return StoredCredentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      exp,
	}, nil
}
