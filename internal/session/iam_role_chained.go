package session

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

const chainedSessionDuration = 3600

// IamRoleChainedService mints role credentials by assuming a role with
// another session's already-active credentials.
type IamRoleChainedService struct {
	core      *Core
	stsClient func(region, accessKeyID, secretAccessKey, sessionToken string) awsapi.STSAPI
}

// NewIamRoleChainedService creates the chained role session service.
func NewIamRoleChainedService(c *Core, factory *awsapi.ClientFactory) *IamRoleChainedService {
	return &IamRoleChainedService{core: c, stsClient: factory.STSClient}
}

// CreateIamRoleChainedParams configures a new chained role session.
type CreateIamRoleChainedParams struct {
	Name            string
	Region          string
	ProfileName     string
	RoleArn         string
	ParentSessionID string
}

func (p CreateIamRoleChainedParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("chained session: name is required")
	}
	if p.Region == "" {
		return fmt.Errorf("chained session: region is required")
	}
	if p.RoleArn == "" {
		return fmt.Errorf("chained session: role arn is required")
	}
	if p.ParentSessionID == "" {
		return fmt.Errorf("chained session: parent session is required")
	}
	return nil
}

// Create validates params, rejects missing parents and parent cycles,
// and appends the new session to the workspace.
func (s *IamRoleChainedService) Create(params CreateIamRoleChainedParams) (workspace.Session, error) {
	if err := params.validate(); err != nil {
		return workspace.Session{}, err
	}
	id := uuid.NewString()
	if err := validateParentChain(s.core.repo, id, params.ParentSessionID); err != nil {
		return workspace.Session{}, err
	}
	sess := workspace.Session{
		ID:              id,
		Name:            params.Name,
		Type:            workspace.TypeIamRoleChained,
		Status:          workspace.StatusInactive,
		Region:          params.Region,
		ProfileName:     params.ProfileName,
		RoleArn:         params.RoleArn,
		ParentSessionID: params.ParentSessionID,
	}
	if err := s.core.repo.AddSession(sess); err != nil {
		return workspace.Session{}, err
	}
	s.core.auditLog(audit.EventSessionCreated, sess.ID, map[string]string{"type": string(sess.Type)})
	return sess, nil
}

// Start makes sure the parent session is active, then assumes the role
// with the parent's credentials.
func (s *IamRoleChainedService) Start(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *IamRoleChainedService) start(ctx context.Context, id string) error {
	sess, proceed, err := s.core.beginStart(id)
	if err != nil || !proceed {
		return err
	}
	if err := validateParentChain(s.core.repo, sess.ID, sess.ParentSessionID); err != nil {
		return s.core.failStart(id, err)
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

func (s *IamRoleChainedService) mint(ctx context.Context, sess workspace.Session) (StoredCredentials, error) {
	parent, err := s.ensureParentActive(ctx, sess)
	if err != nil {
		return StoredCredentials{}, err
	}
	parentCreds, err := s.core.sessionCredentials(parent.ID)
	if err != nil {
		return StoredCredentials{}, &errdefs.ParentSessionUnavailableError{
			SessionID: sess.ID,
			ParentID:  parent.ID,
			Err:       fmt.Errorf("reading parent credentials: %w", err),
		}
	}

	client := s.stsClient(sess.Region, parentCreds.AccessKeyID, parentCreds.SecretAccessKey, parentCreds.SessionToken)
	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(sess.RoleArn),
		RoleSessionName: aws.String(roleSessionName(sess)),
		DurationSeconds: aws.Int32(chainedSessionDuration),
	})
	if err != nil {
		return StoredCredentials{}, &errdefs.AuthenticationFailedError{Reason: "assume role failed", Err: err}
	}
	return credentialsFromSTS(out.Credentials)
}

// ensureParentActive starts the parent through the factory when it is
// inactive or near expiry, recursing through grandparents as needed.
func (s *IamRoleChainedService) ensureParentActive(ctx context.Context, sess workspace.Session) (workspace.Session, error) {
	parent, err := s.core.repo.GetSessionByID(sess.ParentSessionID)
	if err != nil {
		return workspace.Session{}, &errdefs.ParentSessionUnavailableError{SessionID: sess.ID, ParentID: sess.ParentSessionID, Err: err}
	}
	if parent.Status == workspace.StatusActive && !s.core.nearExpiry(parent) {
		return parent, nil
	}
	if s.core.startSession == nil {
		return workspace.Session{}, &errdefs.ParentSessionUnavailableError{
			SessionID: sess.ID,
			ParentID:  parent.ID,
			Err:       fmt.Errorf("no dispatcher to start parent"),
		}
	}
	if err := s.core.startSession(ctx, parent.ID); err != nil {
		return workspace.Session{}, &errdefs.ParentSessionUnavailableError{SessionID: sess.ID, ParentID: parent.ID, Err: err}
	}
	parent, err = s.core.repo.GetSessionByID(parent.ID)
	if err != nil {
		return workspace.Session{}, &errdefs.ParentSessionUnavailableError{SessionID: sess.ID, ParentID: sess.ParentSessionID, Err: err}
	}
	return parent, nil
}

func roleSessionName(sess workspace.Session) string {
	if len(sess.ID) >= 8 {
		return "cloudkeep-" + sess.ID[:8]
	}
	return "cloudkeep-" + sess.ID
}

// Stop clears the minted credentials and the credential-file block.
func (s *IamRoleChainedService) Stop(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.core.stopAws(id)
}

// Rotate re-assumes the role; the parent is refreshed first if needed.
func (s *IamRoleChainedService) Rotate(ctx context.Context, id string) error {
	unlock := s.core.locks.Lock(id)
	defer unlock()
	return s.start(ctx, id)
}

// Delete stops the session if needed and removes it.
func (s *IamRoleChainedService) Delete(ctx context.Context, id string) error {
	return s.core.deleteSession(ctx, s, id)
}

// DependantSessions lists chained sessions using this one as parent.
func (s *IamRoleChainedService) DependantSessions(id string) ([]workspace.Session, error) {
	if _, err := s.core.repo.GetSessionByID(id); err != nil {
		return nil, err
	}
	return s.core.dependantSessions(id), nil
}
