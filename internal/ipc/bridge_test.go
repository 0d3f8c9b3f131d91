package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

type fakeAuthenticator struct {
	needResult bool
	assertion  string
}

func (f *fakeAuthenticator) NeedAuthentication(ctx context.Context, idpURL string) (bool, error) {
	return f.needResult, nil
}

func (f *fakeAuthenticator) AwsSignIn(ctx context.Context, idpURL string, need bool) (string, error) {
	return f.assertion, nil
}

type fakeOpener struct {
	closeWindow bool
}

func (f *fakeOpener) OpenVerificationWindow(ctx context.Context, reg *ssooidc.RegisterClientOutput, auth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error {
	if f.closeWindow {
		onWindowClose()
	}
	return nil
}

type bridgeFixture struct {
	server *Server
	remote *Remote
	repo   *workspace.Repository
	socket string
}

func newBridgeFixture(t *testing.T, auth *fakeAuthenticator, opener *fakeOpener) *bridgeFixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := workspace.Open(filepath.Join(dir, "workspace.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening repository: %v", err)
	}

	socket := filepath.Join(dir, "cloudkeep.sock")
	server := NewServer(repo, auth, opener, zerolog.Nop())
	go func() {
		if err := server.ListenAndServe(socket); err != nil {
			// Serve returns on Close; nothing to report.
			_ = err
		}
	}()
	t.Cleanup(server.Close)

	// Wait for the socket to exist before letting the test dial.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bridge socket never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return &bridgeFixture{
		server: server,
		remote: NewRemote(socket, zerolog.Nop()),
		repo:   repo,
		socket: socket,
	}
}

func TestIsDesktopAppRunningRoundTrip(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{}, &fakeOpener{})
	if !fx.remote.IsDesktopAppRunning(context.Background()) {
		t.Error("expected running desktop app to answer true")
	}
}

func TestIsDesktopAppRunningDisconnected(t *testing.T) {
	remote := NewRemote(filepath.Join(t.TempDir(), "absent.sock"), zerolog.Nop())

	start := time.Now()
	if remote.IsDesktopAppRunning(context.Background()) {
		t.Error("expected false with no server bound")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("disconnected detection took %v, want fast failure", elapsed)
	}
}

func TestNeedAuthenticationAndSignIn(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{needResult: true, assertion: "assertion-bytes"}, &fakeOpener{})
	ctx := context.Background()

	need, err := fx.remote.NeedAuthentication(ctx, "https://acme.okta.com/app/x")
	if err != nil {
		t.Fatalf("NeedAuthentication: %v", err)
	}
	if !need {
		t.Error("expected needAuthentication = true")
	}

	assertion, err := fx.remote.AwsSignIn(ctx, "https://acme.okta.com/app/x", true)
	if err != nil {
		t.Fatalf("AwsSignIn: %v", err)
	}
	if assertion != "assertion-bytes" {
		t.Errorf("assertion = %q, want assertion-bytes", assertion)
	}
}

func TestOpenVerificationWindowCloseEvent(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{}, &fakeOpener{closeWindow: true})

	var closed atomic.Bool
	err := fx.remote.OpenVerificationWindow(context.Background(),
		&ssooidc.RegisterClientOutput{ClientId: aws.String("c"), ClientSecret: aws.String("s")},
		&ssooidc.StartDeviceAuthorizationOutput{DeviceCode: aws.String("d"), UserCode: aws.String("U-C")},
		func() { closed.Store(true) },
	)
	if err != nil {
		t.Fatalf("OpenVerificationWindow: %v", err)
	}
	if !closed.Load() {
		t.Error("window close event not delivered")
	}
}

func TestRefreshSessionsReloadsAndRebroadcasts(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{}, &fakeOpener{})

	notified := make(chan []workspace.Session, 1)
	unsubscribe := fx.repo.SubscribeSessions(func(sessions []workspace.Session) {
		select {
		case notified <- sessions:
		default:
		}
	})
	defer unsubscribe()

	// Another process adds a session to the shared document.
	other, err := workspace.Open(fx.repo.Path(), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening second repository: %v", err)
	}
	if err := other.AddSession(workspace.Session{ID: "ext-1", Name: "ext", Type: workspace.TypeIamUser, Status: workspace.StatusInactive}); err != nil {
		t.Fatalf("adding session: %v", err)
	}

	if err := fx.remote.RefreshSessions(context.Background()); err != nil {
		t.Fatalf("RefreshSessions: %v", err)
	}

	select {
	case sessions := <-notified:
		if len(sessions) != 1 || sessions[0].ID != "ext-1" {
			t.Errorf("broadcast sessions = %+v, want the externally added one", sessions)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session broadcast after refresh")
	}
}

func TestUnknownMethodClosesStream(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{}, &fakeOpener{})

	_, err := fx.remote.call(context.Background(), Envelope{Method: "selfDestruct"}, nil)
	if err == nil {
		t.Fatal("expected stream termination for unknown method")
	}

	// The server stays healthy for new streams.
	if !fx.remote.IsDesktopAppRunning(context.Background()) {
		t.Error("server unavailable after rejecting unknown method")
	}
}

func TestSecondBindFails(t *testing.T) {
	fx := newBridgeFixture(t, &fakeAuthenticator{}, &fakeOpener{})

	second := NewServer(fx.repo, nil, nil, zerolog.Nop())
	if err := second.ListenAndServe(fx.socket); err == nil {
		second.Close()
		t.Fatal("expected second bind on the same socket to fail")
	}
}
