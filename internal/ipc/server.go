package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cloudkeep-io/cloudkeep/internal/authflow"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

const (
	bridgeService    = "cloudkeep.v1.Bridge"
	bridgeStreamName = "Channel"
	bridgeMethodPath = "/cloudkeep.v1.Bridge/Channel"
)

// Server is the desktop-role end of the bridge. It owns the browser
// capabilities and answers the CLI's proxied requests.
type Server struct {
	repo   *workspace.Repository
	auth   authflow.AwsSamlAuthenticator
	opener authflow.VerificationWindowOpener
	logger zerolog.Logger

	mu   sync.Mutex
	grpc *grpc.Server
	path string
}

// NewServer creates a bridge server. auth and opener may be nil when the
// process lacks the matching capability; the affected methods then
// answer with an error response.
func NewServer(repo *workspace.Repository, auth authflow.AwsSamlAuthenticator, opener authflow.VerificationWindowOpener, logger zerolog.Logger) *Server {
	return &Server{repo: repo, auth: auth, opener: opener, logger: logger}
}

// ListenAndServe binds the unix socket at path and serves until Close.
// Binding fails when another server instance already holds the socket.
func (s *Server) ListenAndServe(path string) error {
	lis, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.path = path
	s.grpc = grpc.NewServer()
	s.grpc.RegisterService(&grpc.ServiceDesc{
		ServiceName: bridgeService,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    bridgeStreamName,
			Handler:       s.channelHandler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, s)
	srv := s.grpc
	s.mu.Unlock()

	s.logger.Info().Str("socket", path).Msg("bridge listening")
	return srv.Serve(lis)
}

// Close stops the server and releases the socket.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpc != nil {
		s.grpc.Stop()
		s.grpc = nil
	}
}

func (s *Server) channelHandler(_ any, stream grpc.ServerStream) error {
	sender := &streamSender{stream: stream}
	for {
		var env Envelope
		if err := stream.RecvMsg(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp, terminate := s.dispatch(stream.Context(), env, sender)
		if terminate != nil {
			s.logger.Warn().Str("method", env.Method).Msg("unknown bridge method, closing stream")
			return terminate
		}
		if err := sender.send(resp); err != nil {
			return err
		}
	}
}

// dispatch runs one bridge method. A non-nil second return terminates
// the stream instead of answering.
func (s *Server) dispatch(ctx context.Context, env Envelope, sender *streamSender) (Response, error) {
	switch env.Method {
	case MethodIsDesktopAppRunning:
		return resultResponse(true), nil

	case MethodNeedAuthentication:
		if s.auth == nil {
			return Response{Error: "no saml authenticator available"}, nil
		}
		need, err := s.auth.NeedAuthentication(ctx, env.IdpURL)
		if err != nil {
			return Response{Error: err.Error()}, nil
		}
		return resultResponse(need), nil

	case MethodAwsSignIn:
		if s.auth == nil {
			return Response{Error: "no saml authenticator available"}, nil
		}
		assertion, err := s.auth.AwsSignIn(ctx, env.IdpURL, env.NeedToAuthenticate)
		if err != nil {
			return Response{Error: err.Error()}, nil
		}
		return resultResponse(assertion), nil

	case MethodOpenVerificationWindow:
		return s.openVerificationWindow(ctx, env, sender), nil

	case MethodRefreshIntegrations:
		if err := s.repo.ReloadWorkspace(); err != nil {
			return Response{Error: err.Error()}, nil
		}
		s.repo.BroadcastIntegrations()
		return emptyResponse(), nil

	case MethodRefreshSessions:
		if err := s.repo.ReloadWorkspace(); err != nil {
			return Response{Error: err.Error()}, nil
		}
		s.repo.BroadcastSessions()
		return emptyResponse(), nil

	default:
		return Response{}, status.Errorf(codes.Unimplemented, "unknown bridge method %q", env.Method)
	}
}

func (s *Server) openVerificationWindow(ctx context.Context, env Envelope, sender *streamSender) Response {
	if s.opener == nil {
		return Response{Error: "no verification window available"}
	}
	if env.RegisterClientResponse == nil || env.DeviceAuthResponse == nil {
		return Response{Error: "missing device authorization payload"}
	}
	reg := &ssooidc.RegisterClientOutput{
		ClientId:     aws.String(env.RegisterClientResponse.ClientID),
		ClientSecret: aws.String(env.RegisterClientResponse.ClientSecret),
	}
	auth := &ssooidc.StartDeviceAuthorizationOutput{
		DeviceCode:              aws.String(env.DeviceAuthResponse.DeviceCode),
		UserCode:                aws.String(env.DeviceAuthResponse.UserCode),
		VerificationUri:         aws.String(env.DeviceAuthResponse.VerificationURI),
		VerificationUriComplete: aws.String(env.DeviceAuthResponse.VerificationURIComplete),
		ExpiresIn:               env.DeviceAuthResponse.ExpiresIn,
		Interval:                env.DeviceAuthResponse.Interval,
	}
	err := s.opener.OpenVerificationWindow(ctx, reg, auth, func() {
		// The user closed the window: notify the client out of band so
		// it can cancel its device grant.
		if sendErr := sender.send(Response{CallbackID: CallbackWindowClose}); sendErr != nil {
			s.logger.Warn().Err(sendErr).Msg("delivering window close event failed")
		}
	})
	if err != nil {
		return Response{Error: err.Error()}
	}
	return resultResponse(json.RawMessage(`{}`))
}

// streamSender serializes writes on one stream so the window close
// event cannot interleave with a response mid-message.
type streamSender struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (s *streamSender) send(resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.SendMsg(resp)
}
