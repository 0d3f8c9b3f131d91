// Package workspace defines the persisted data model of cloudkeep — the
// session variants, the SSO and Azure integrations, and the workspace
// aggregate — together with the Repository that owns the single persisted
// document all processes share.
package workspace

import (
	"time"
)

// SessionType is the closed set of credential kinds cloudkeep can mint.
type SessionType string

const (
	TypeIamUser          SessionType = "iam_user"
	TypeIamRoleFederated SessionType = "iam_role_federated"
	TypeIamRoleChained   SessionType = "iam_role_chained"
	TypeSsoRole          SessionType = "sso_role"
	TypeAzure            SessionType = "azure"
)

// SessionStatus tracks a session through its lifecycle state machine.
type SessionStatus string

const (
	StatusInactive SessionStatus = "inactive"
	StatusPending  SessionStatus = "pending"
	StatusActive   SessionStatus = "active"
)

// DefaultProfileName is the provider credential-file slot used when a
// session does not declare one.
const DefaultProfileName = "default"

// Session is one configured set of parameters identifying a specific cloud
// credential to mint. The Type tag selects which variant fields apply;
// unused fields stay zero and are omitted from the persisted document.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Type           SessionType   `json:"type"`
	Status         SessionStatus `json:"status"`
	ExpirationTime *time.Time    `json:"expirationTime,omitempty"`
	Region         string        `json:"region,omitempty"`
	ProfileName    string        `json:"profileName,omitempty"`

	// iam_user
	MfaDevice string `json:"mfaDevice,omitempty"`

	// iam_role_federated / iam_role_chained
	RoleArn string `json:"roleArn,omitempty"`
	IdpURL  string `json:"idpUrl,omitempty"`
	IdpArn  string `json:"idpArn,omitempty"`

	// iam_role_chained
	ParentSessionID string `json:"parentSessionId,omitempty"`

	// sso_role
	AccountID string `json:"accountId,omitempty"`
	RoleName  string `json:"roleName,omitempty"`

	// sso_role / azure: owning integration, referenced by ID, never copied.
	IntegrationID string `json:"integrationId,omitempty"`

	// azure
	SubscriptionID string `json:"subscriptionId,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
}

// Profile returns the credential-file slot this session writes to.
func (s *Session) Profile() string {
	if s.ProfileName == "" {
		return DefaultProfileName
	}
	return s.ProfileName
}

// IsAws reports whether the session writes to the AWS credential file.
func (s *Session) IsAws() bool {
	switch s.Type {
	case TypeIamUser, TypeIamRoleFederated, TypeIamRoleChained, TypeSsoRole:
		return true
	}
	return false
}

// SsoIntegration is a reusable AWS SSO authentication endpoint. The access
// token itself lives in the credential store keyed by the integration ID;
// only its expiration is recorded here so both processes can agree on
// token freshness without reading the secret.
type SsoIntegration struct {
	ID                    string     `json:"id"`
	Alias                 string     `json:"alias"`
	PortalURL             string     `json:"portalUrl"`
	Region                string     `json:"region"`
	BrowserOpening        string     `json:"browserOpening,omitempty"`
	AccessTokenExpiration *time.Time `json:"accessTokenExpiration,omitempty"`
}

// AzureIntegration is a reusable Azure tenant endpoint.
type AzureIntegration struct {
	ID              string     `json:"id"`
	Alias           string     `json:"alias"`
	TenantID        string     `json:"tenantId"`
	Region          string     `json:"region"`
	IsOnline        bool       `json:"isOnline"`
	TokenExpiration *time.Time `json:"tokenExpiration,omitempty"`
}

// SchemaVersion is the current version marker of the persisted document.
// A migration step (external to the core) upgrades older documents before
// the Repository is trusted; a newer version is rejected as unparseable.
const SchemaVersion = 1

// Workspace is the root aggregate: the single persisted document holding
// all sessions, integrations, and global preferences.
type Workspace struct {
	Version           int                `json:"version"`
	Sessions          []Session          `json:"sessions"`
	SsoIntegrations   []SsoIntegration   `json:"ssoIntegrations"`
	AzureIntegrations []AzureIntegration `json:"azureIntegrations"`
	ColorTheme        string             `json:"colorTheme,omitempty"`
	DefaultRegion     string             `json:"defaultRegion,omitempty"`
}

// NewWorkspace returns an empty workspace at the current schema version.
func NewWorkspace() *Workspace {
	return &Workspace{
		Version:           SchemaVersion,
		Sessions:          []Session{},
		SsoIntegrations:   []SsoIntegration{},
		AzureIntegrations: []AzureIntegration{},
		ColorTheme:        "system",
		DefaultRegion:     "us-east-1",
	}
}
