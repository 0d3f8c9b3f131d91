package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

type fakeOIDC struct {
	mu          sync.Mutex
	createCalls int
	// results holds the outcome of successive CreateToken calls; the
	// last entry repeats once exhausted.
	results []error
	token   string
}

func (f *fakeOIDC) RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
	return &ssooidc.RegisterClientOutput{
		ClientId:     aws.String("client-id"),
		ClientSecret: aws.String("client-secret"),
	}, nil
}

func (f *fakeOIDC) StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error) {
	return &ssooidc.StartDeviceAuthorizationOutput{
		DeviceCode:              aws.String("device-code"),
		UserCode:                aws.String("USER-CODE"),
		VerificationUriComplete: aws.String("https://device.sso.example/?user_code=USER-CODE"),
	}, nil
}

func (f *fakeOIDC) CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.createCalls
	f.createCalls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	if err := f.results[i]; err != nil {
		return nil, err
	}
	return &ssooidc.CreateTokenOutput{
		AccessToken: aws.String(f.token),
		ExpiresIn:   3600,
	}, nil
}

func newTestEngine(oidc awsapi.OIDCAPI, opener VerificationWindowOpener) *DeviceGrantEngine {
	e := NewDeviceGrantEngine(awsapi.NewClientFactory(zerolog.Nop()), opener, zerolog.Nop())
	e.newClient = func(string) awsapi.OIDCAPI { return oidc }
	e.baseInterval = time.Millisecond
	return e
}

func TestAuthenticatePendingThenSuccess(t *testing.T) {
	oidc := &fakeOIDC{
		results: []error{&types.AuthorizationPendingException{}, &types.AuthorizationPendingException{}, nil},
		token:   "portal-token",
	}
	e := newTestEngine(oidc, nil)

	tok, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.Token != "portal-token" {
		t.Errorf("token = %q, want portal-token", tok.Token)
	}
	if tok.ExpiresAt.Before(time.Now()) {
		t.Error("token already expired")
	}
	if oidc.createCalls != 3 {
		t.Errorf("CreateToken calls = %d, want 3", oidc.createCalls)
	}
}

func TestAuthenticateAccessDenied(t *testing.T) {
	oidc := &fakeOIDC{results: []error{&types.AccessDeniedException{}}}
	e := newTestEngine(oidc, nil)

	_, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
	var aerr *errdefs.AuthenticationFailedError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuthenticationFailedError, got %v", err)
	}
}

func TestAuthenticateExpiredDeviceCode(t *testing.T) {
	oidc := &fakeOIDC{results: []error{&types.ExpiredTokenException{}}}
	e := newTestEngine(oidc, nil)

	_, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
	var aerr *errdefs.AuthenticationFailedError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuthenticationFailedError, got %v", err)
	}
}

func TestConcurrentGrantsShareOneFlow(t *testing.T) {
	oidc := &fakeOIDC{
		results: []error{&types.AuthorizationPendingException{}, &types.AuthorizationPendingException{}, nil},
		token:   "shared-token",
	}
	e := newTestEngine(oidc, nil)
	e.baseInterval = 20 * time.Millisecond

	var wg sync.WaitGroup
	tokens := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
			if err != nil {
				t.Errorf("Authenticate: %v", err)
				return
			}
			tokens[i] = tok.Token
		}(i)
	}
	wg.Wait()

	for i, tok := range tokens {
		if tok != "shared-token" {
			t.Errorf("caller %d got %q, want shared-token", i, tok)
		}
	}
	// All callers joined a single poll loop rather than each running one.
	if oidc.createCalls != 3 {
		t.Errorf("CreateToken calls = %d, want 3", oidc.createCalls)
	}
}

func TestCancelAbortsWithinOneInterval(t *testing.T) {
	oidc := &fakeOIDC{results: []error{&types.AuthorizationPendingException{}}}
	e := newTestEngine(oidc, nil)
	e.baseInterval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
		done <- err
	}()

	// Wait for the grant to register in flight, then cancel it.
	deadline := time.Now().Add(time.Second)
	for {
		e.mu.Lock()
		_, inflight := e.inflight["int-1"]
		e.mu.Unlock()
		if inflight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("grant never registered in flight")
		}
		time.Sleep(time.Millisecond)
	}
	e.Cancel("int-1")

	select {
	case err := <-done:
		var aerr *errdefs.AuthenticationFailedError
		if !errors.As(err, &aerr) {
			t.Fatalf("expected AuthenticationFailedError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel not observed within deadline")
	}
}

type closingOpener struct{}

func (closingOpener) OpenVerificationWindow(ctx context.Context, reg *ssooidc.RegisterClientOutput, auth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error {
	// Simulate the user closing the window immediately.
	go onWindowClose()
	return nil
}

func TestWindowCloseCancelsGrant(t *testing.T) {
	oidc := &fakeOIDC{results: []error{&types.AuthorizationPendingException{}}}
	e := newTestEngine(oidc, closingOpener{})
	e.baseInterval = 5 * time.Millisecond

	_, err := e.Authenticate(context.Background(), "int-1", "https://portal.awsapps.com/start", "eu-west-1")
	var aerr *errdefs.AuthenticationFailedError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuthenticationFailedError, got %v", err)
	}
}
