package authflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

const (
	oidcClientName = "cloudkeep"
	oidcClientType = "public"
	deviceGrant    = "urn:ietf:params:oauth:grant-type:device_code"
)

// AccessToken is a portal access token obtained through the device grant.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

type grantAttempt struct {
	done   chan struct{}
	cancel context.CancelFunc
	token  AccessToken
	err    error
}

// DeviceGrantEngine runs the SSO OIDC device authorization grant. At most
// one grant is in flight per integration; a second caller for the same
// integration waits for the running grant and shares its outcome.
type DeviceGrantEngine struct {
	newClient    func(region string) awsapi.OIDCAPI
	opener       VerificationWindowOpener
	logger       zerolog.Logger
	baseInterval time.Duration

	mu       sync.Mutex
	inflight map[string]*grantAttempt
}

// NewDeviceGrantEngine creates an engine that builds OIDC clients through
// factory and presents verification pages through opener.
func NewDeviceGrantEngine(factory *awsapi.ClientFactory, opener VerificationWindowOpener, logger zerolog.Logger) *DeviceGrantEngine {
	return &DeviceGrantEngine{
		newClient:    factory.OIDCClient,
		opener:       opener,
		logger:       logger,
		baseInterval: 5 * time.Second,
		inflight:     make(map[string]*grantAttempt),
	}
}

// Authenticate obtains a portal access token for the integration. If a
// grant for the same integration is already running, the call joins it
// instead of starting a second browser flow.
func (e *DeviceGrantEngine) Authenticate(ctx context.Context, integrationID, portalURL, region string) (AccessToken, error) {
	e.mu.Lock()
	if attempt, ok := e.inflight[integrationID]; ok {
		e.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.token, attempt.err
		case <-ctx.Done():
			return AccessToken{}, ctx.Err()
		}
	}

	grantCtx, cancel := context.WithCancel(ctx)
	attempt := &grantAttempt{done: make(chan struct{}), cancel: cancel}
	e.inflight[integrationID] = attempt
	e.mu.Unlock()

	attempt.token, attempt.err = e.run(grantCtx, integrationID, portalURL, region)
	cancel()

	e.mu.Lock()
	delete(e.inflight, integrationID)
	e.mu.Unlock()
	close(attempt.done)

	return attempt.token, attempt.err
}

// Cancel aborts an in-flight grant for the integration. Waiters observe
// the failure within one poll interval.
func (e *DeviceGrantEngine) Cancel(integrationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt, ok := e.inflight[integrationID]; ok {
		attempt.cancel()
	}
}

func (e *DeviceGrantEngine) run(ctx context.Context, integrationID, portalURL, region string) (AccessToken, error) {
	client := e.newClient(region)

	reg, err := client.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(oidcClientName),
		ClientType: aws.String(oidcClientType),
	})
	if err != nil {
		return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "client registration failed", Err: err}
	}

	auth, err := client.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     reg.ClientId,
		ClientSecret: reg.ClientSecret,
		StartUrl:     aws.String(portalURL),
	})
	if err != nil {
		return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "device authorization failed", Err: err}
	}

	e.logger.Info().
		Str("integration_id", integrationID).
		Str("verification_uri", aws.ToString(auth.VerificationUriComplete)).
		Msg("device authorization started")

	if e.opener != nil {
		if err := e.opener.OpenVerificationWindow(ctx, reg, auth, func() {
			e.Cancel(integrationID)
		}); err != nil {
			return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "verification window failed", Err: err}
		}
	}

	interval := e.baseInterval
	if auth.Interval > 0 {
		interval = time.Duration(auth.Interval) * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "authentication cancelled", Err: ctx.Err()}
		case <-time.After(interval):
		}

		tok, err := client.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     reg.ClientId,
			ClientSecret: reg.ClientSecret,
			DeviceCode:   auth.DeviceCode,
			GrantType:    aws.String(deviceGrant),
		})
		if err == nil {
			return AccessToken{
				Token:     aws.ToString(tok.AccessToken),
				ExpiresAt: time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
			}, nil
		}

		var pending *types.AuthorizationPendingException
		var slowDown *types.SlowDownException
		var expired *types.ExpiredTokenException
		var denied *types.AccessDeniedException
		switch {
		case errors.As(err, &pending):
			continue
		case errors.As(err, &slowDown):
			interval += 5 * time.Second
		case errors.As(err, &expired):
			return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "device code expired", Err: err}
		case errors.As(err, &denied):
			return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "access denied", Err: err}
		default:
			return AccessToken{}, &errdefs.AuthenticationFailedError{Reason: "token polling failed", Err: err}
		}
	}
}
