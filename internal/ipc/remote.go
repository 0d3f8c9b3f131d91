package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

// Remote is the CLI-role end of the bridge: it proxies browser-bound
// operations to the desktop process over the unix socket.
type Remote struct {
	socketPath  string
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// NewRemote creates a bridge client for the socket at path.
func NewRemote(socketPath string, logger zerolog.Logger) *Remote {
	return &Remote{socketPath: socketPath, dialTimeout: 2 * time.Second, logger: logger}
}

var bridgeStreamDesc = &grpc.StreamDesc{
	StreamName:    bridgeStreamName,
	ServerStreams: true,
	ClientStreams: true,
}

// call opens a stream, sends one envelope and reads until the correlated
// response arrives. Out-of-band callback events are handed to onEvent.
func (r *Remote) call(ctx context.Context, env Envelope, onEvent func(Response)) (Response, error) {
	conn, err := grpc.NewClient(
		"unix://"+r.socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to bridge: %w", err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, bridgeStreamDesc, bridgeMethodPath)
	if err != nil {
		return Response{}, fmt.Errorf("opening bridge stream: %w", err)
	}
	if err := stream.SendMsg(env); err != nil {
		return Response{}, fmt.Errorf("sending bridge request: %w", err)
	}

	for {
		var resp Response
		if err := stream.RecvMsg(&resp); err != nil {
			return Response{}, fmt.Errorf("reading bridge response: %w", err)
		}
		if resp.CallbackID != "" {
			if onEvent != nil {
				onEvent(resp)
			}
			continue
		}
		return resp, nil
	}
}

// IsDesktopAppRunning reports whether a desktop process answers on the
// bridge. Any failure within the dial timeout counts as not running.
func (r *Remote) IsDesktopAppRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	resp, err := r.call(ctx, Envelope{Method: MethodIsDesktopAppRunning}, nil)
	if err != nil || resp.Error != "" {
		return false
	}
	var running bool
	if err := json.Unmarshal(resp.Result, &running); err != nil {
		return false
	}
	return running
}

// NeedAuthentication proxies the identity provider probe.
func (r *Remote) NeedAuthentication(ctx context.Context, idpURL string) (bool, error) {
	resp, err := r.call(ctx, Envelope{Method: MethodNeedAuthentication, IdpURL: idpURL}, nil)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, &errdefs.AuthenticationFailedError{Reason: resp.Error}
	}
	var need bool
	if err := json.Unmarshal(resp.Result, &need); err != nil {
		return false, &errdefs.ParseError{Component: "bridge response", Fragment: string(resp.Result), Err: err}
	}
	return need, nil
}

// AwsSignIn proxies the interactive SAML sign-in and returns the
// captured assertion.
func (r *Remote) AwsSignIn(ctx context.Context, idpURL string, needToAuthenticate bool) (string, error) {
	resp, err := r.call(ctx, Envelope{
		Method:             MethodAwsSignIn,
		IdpURL:             idpURL,
		NeedToAuthenticate: needToAuthenticate,
	}, nil)
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &errdefs.AuthenticationFailedError{Reason: resp.Error}
	}
	var assertion string
	if err := json.Unmarshal(resp.Result, &assertion); err != nil {
		return "", &errdefs.ParseError{Component: "bridge response", Fragment: string(resp.Result), Err: err}
	}
	return assertion, nil
}

// OpenVerificationWindow proxies the device-grant verification page to
// the desktop process. onWindowClose fires when the user dismisses it.
func (r *Remote) OpenVerificationWindow(ctx context.Context, reg *ssooidc.RegisterClientOutput, auth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error {
	env := Envelope{
		Method: MethodOpenVerificationWindow,
		RegisterClientResponse: &RegisterClientInfo{
			ClientID:     aws.ToString(reg.ClientId),
			ClientSecret: aws.ToString(reg.ClientSecret),
		},
		DeviceAuthResponse: &DeviceAuthInfo{
			DeviceCode:              aws.ToString(auth.DeviceCode),
			UserCode:                aws.ToString(auth.UserCode),
			VerificationURI:         aws.ToString(auth.VerificationUri),
			VerificationURIComplete: aws.ToString(auth.VerificationUriComplete),
			ExpiresIn:               auth.ExpiresIn,
			Interval:                auth.Interval,
		},
	}
	resp, err := r.call(ctx, env, func(event Response) {
		if event.CallbackID == CallbackWindowClose && onWindowClose != nil {
			onWindowClose()
		}
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &errdefs.AuthenticationFailedError{Reason: resp.Error}
	}
	return nil
}

// RefreshIntegrations asks the desktop process to reload shared state
// and re-broadcast its integrations.
func (r *Remote) RefreshIntegrations(ctx context.Context) error {
	resp, err := r.call(ctx, Envelope{Method: MethodRefreshIntegrations}, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("refreshing integrations: %s", resp.Error)
	}
	return nil
}

// RefreshSessions asks the desktop process to reload shared state and
// re-broadcast its sessions.
func (r *Remote) RefreshSessions(ctx context.Context) error {
	resp, err := r.call(ctx, Envelope{Method: MethodRefreshSessions}, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("refreshing sessions: %s", resp.Error)
	}
	return nil
}
