package azurecli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

type fakeExecutor struct {
	commands []string
	output   []byte
	err      error
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.commands = append(f.commands, name+" "+strings.Join(args, " "))
	return f.output, f.err
}

func newTestCLI(t *testing.T, exec Executor) (*CLI, string) {
	t.Helper()
	dir := t.TempDir()
	return NewWithDir(exec, dir, zerolog.Nop()), dir
}

func TestCommandLines(t *testing.T) {
	fake := &fakeExecutor{output: []byte(`{"accessToken":"tok","tenant":"t1"}`)}
	cli, _ := newTestCLI(t, fake)
	ctx := context.Background()

	if err := cli.Login(ctx, "tenant-1"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := cli.SetDefaultLocation(ctx, "westeurope"); err != nil {
		t.Fatalf("SetDefaultLocation: %v", err)
	}
	if _, err := cli.GetAccessToken(ctx, "sub-1"); err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if err := cli.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	want := []string{
		"az login --tenant tenant-1",
		"az configure --default location=westeurope",
		"az account get-access-token --subscription sub-1",
		"az logout",
	}
	if len(fake.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", fake.commands, want)
	}
	for i := range want {
		if fake.commands[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, fake.commands[i], want[i])
		}
	}
}

func TestGetAccessTokenParsesResponse(t *testing.T) {
	fake := &fakeExecutor{output: []byte(`{"accessToken":"eyJ...","expiresOn":"2026-08-28 12:00:00.000000","subscription":"sub-1","tenant":"tenant-1","tokenType":"Bearer"}`)}
	cli, _ := newTestCLI(t, fake)

	info, err := cli.GetAccessToken(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if info.AccessToken != "eyJ..." || info.Tenant != "tenant-1" {
		t.Errorf("unexpected token info: %+v", info)
	}
}

func TestGetAccessTokenBadJSON(t *testing.T) {
	fake := &fakeExecutor{output: []byte("not json")}
	cli, _ := newTestCLI(t, fake)

	_, err := cli.GetAccessToken(context.Background(), "sub-1")
	var perr *errdefs.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestCommandFailurePropagated(t *testing.T) {
	cmdErr := &errdefs.ProviderCommandFailedError{Command: "az login", ExitCode: 1, Stderr: "interactive login required"}
	fake := &fakeExecutor{err: cmdErr}
	cli, _ := newTestCLI(t, fake)

	err := cli.Login(context.Background(), "tenant-1")
	var pErr *errdefs.ProviderCommandFailedError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProviderCommandFailedError, got %v", err)
	}
	if pErr.ExitCode != 1 || pErr.Stderr != "interactive login required" {
		t.Errorf("unexpected error detail: %+v", pErr)
	}
}

func TestLoadProfile(t *testing.T) {
	cli, dir := newTestCLI(t, &fakeExecutor{})
	profile := `{"subscriptions":[{"id":"sub-1","name":"Dev","tenantId":"tenant-1","isDefault":true},{"id":"sub-2","name":"Prod","tenantId":"tenant-1","isDefault":false}]}`
	if err := os.WriteFile(filepath.Join(dir, profileFileName), []byte("\xef\xbb\xbf"+profile), 0600); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	p, err := cli.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if len(p.Subscriptions) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(p.Subscriptions))
	}
	if p.Subscriptions[0].ID != "sub-1" || !p.Subscriptions[0].IsDefault {
		t.Errorf("unexpected first subscription: %+v", p.Subscriptions[0])
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	cli, _ := newTestCLI(t, &fakeExecutor{})
	p, err := cli.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if len(p.Subscriptions) != 0 {
		t.Errorf("expected empty profile, got %+v", p)
	}
}

func TestAccessTokenExpiration(t *testing.T) {
	cli, dir := newTestCLI(t, &fakeExecutor{})
	early := time.Now().Add(10 * time.Minute).Unix()
	late := time.Now().Add(50 * time.Minute).Unix()
	cache := `{"AccessToken":{
		"a": {"realm":"tenant-1","expires_on":"` + strconv.FormatInt(early, 10) + `"},
		"b": {"realm":"tenant-1","expires_on":"` + strconv.FormatInt(late, 10) + `"},
		"c": {"realm":"other-tenant","expires_on":"` + strconv.FormatInt(late+3600, 10) + `"}
	}}`
	if err := os.WriteFile(filepath.Join(dir, tokenCacheFileName), []byte(cache), 0600); err != nil {
		t.Fatalf("writing token cache: %v", err)
	}

	exp, err := cli.AccessTokenExpiration("tenant-1")
	if err != nil {
		t.Fatalf("AccessTokenExpiration: %v", err)
	}
	if exp.Unix() != late {
		t.Errorf("expiration = %v, want %v", exp.Unix(), late)
	}
}

func TestAccessTokenExpirationNoEntry(t *testing.T) {
	cli, dir := newTestCLI(t, &fakeExecutor{})
	if err := os.WriteFile(filepath.Join(dir, tokenCacheFileName), []byte(`{"AccessToken":{}}`), 0600); err != nil {
		t.Fatalf("writing token cache: %v", err)
	}
	_, err := cli.AccessTokenExpiration("tenant-1")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAccessTokenExpirationMissingCache(t *testing.T) {
	cli, _ := newTestCLI(t, &fakeExecutor{})
	_, err := cli.AccessTokenExpiration("tenant-1")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
