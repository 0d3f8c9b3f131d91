// Package awsapi provides the AWS SDK v2 adapter layer: narrow interfaces
// over the STS, SSO and SSO OIDC clients plus a factory that builds them
// with either static or anonymous credentials.
package awsapi

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

// Credentials is one short-lived credential triple as returned by a
// credential generation call.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// STSAPI is the subset of the STS client used to generate session
// credentials.
type STSAPI interface {
	GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
}

// SSOAPI is the subset of the SSO portal client used to fetch role
// credentials from a portal access token.
type SSOAPI interface {
	GetRoleCredentials(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
	ListAccounts(ctx context.Context, params *sso.ListAccountsInput, optFns ...func(*sso.Options)) (*sso.ListAccountsOutput, error)
	ListAccountRoles(ctx context.Context, params *sso.ListAccountRolesInput, optFns ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error)
	Logout(ctx context.Context, params *sso.LogoutInput, optFns ...func(*sso.Options)) (*sso.LogoutOutput, error)
}

// OIDCAPI is the subset of the SSO OIDC client used by the device
// authorization grant.
type OIDCAPI interface {
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// ClientFactory builds AWS service clients for a given region. STS clients
// carry the caller's long-lived credentials; SAML federation and the SSO
// portal APIs are called unsigned.
type ClientFactory struct {
	logger zerolog.Logger
}

// NewClientFactory creates a new AWS client factory.
func NewClientFactory(logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{logger: logger}
}

func staticConfig(region, accessKeyID, secretAccessKey, sessionToken string) aws.Config {
	return aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			sessionToken,
		),
		RetryMaxAttempts: 5,
	}
}

func anonymousConfig(region string) aws.Config {
	return aws.Config{
		Region:           region,
		Credentials:      aws.AnonymousCredentials{},
		RetryMaxAttempts: 5,
	}
}

// STSClient builds an STS client signed with the given keys. sessionToken
// is empty for long-lived keys and set for temporary credentials.
func (f *ClientFactory) STSClient(region, accessKeyID, secretAccessKey, sessionToken string) STSAPI {
	return sts.NewFromConfig(staticConfig(region, accessKeyID, secretAccessKey, sessionToken))
}

// STSFederationClient builds an unsigned STS client. AssumeRoleWithSAML
// authenticates through the assertion, not through request signing.
func (f *ClientFactory) STSFederationClient(region string) STSAPI {
	return sts.NewFromConfig(anonymousConfig(region))
}

// SSOClient builds an unsigned SSO portal client. Portal calls
// authenticate through the bearer access token in the request.
func (f *ClientFactory) SSOClient(region string) SSOAPI {
	return sso.NewFromConfig(anonymousConfig(region))
}

// OIDCClient builds an unsigned SSO OIDC client for the device grant.
func (f *ClientFactory) OIDCClient(region string) OIDCAPI {
	return ssooidc.NewFromConfig(anonymousConfig(region))
}
