package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/authflow"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/azurecli"
	"github.com/cloudkeep-io/cloudkeep/internal/config"
	"github.com/cloudkeep-io/cloudkeep/internal/ipc"
	"github.com/cloudkeep-io/cloudkeep/internal/keystore"
	"github.com/cloudkeep-io/cloudkeep/internal/logging"
	"github.com/cloudkeep-io/cloudkeep/internal/profile"
	"github.com/cloudkeep-io/cloudkeep/internal/session"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

// app bundles everything a command needs: the workspace, the session
// services, and the bridge to the desktop daemon (when it is running).
type app struct {
	cfg     config.GlobalConfig
	logger  zerolog.Logger
	repo    *workspace.Repository
	keys    *keystore.FileStore
	auditDB *sql.DB

	remote        *ipc.Remote
	daemonRunning bool

	factory   *session.Factory
	iamUser   *session.IamUserService
	federated *session.IamRoleFederatedService
	chained   *session.IamRoleChainedService
	ssoRole   *session.SsoRoleService
	azure     *session.AzureService

	ssoIntegrations   *session.SsoIntegrationService
	azureIntegrations *session.AzureIntegrationService
}

// loadApp opens the workspace and wires the full service graph. When
// the desktop daemon is reachable on the bridge socket, browser-bound
// steps (SAML sign-in, device-grant verification windows) are proxied
// to it; otherwise the CLI opens the system browser itself.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	repo, err := workspace.Open(config.WorkspacePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	secret, err := config.EnsureKeystoreSecret()
	if err != nil {
		return nil, fmt.Errorf("preparing keystore secret: %w", err)
	}
	keys, err := keystore.OpenFileStore(config.KeystorePath(), secret)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	auditDB, err := audit.OpenDB(config.AuditDBPath())
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	auditLogger, err := audit.NewLogger(auditDB)
	if err != nil {
		keys.Close()
		auditDB.Close()
		return nil, fmt.Errorf("preparing audit logger: %w", err)
	}

	remote := ipc.NewRemote(config.BridgeSocketPath(), logger)
	running := remote.IsDesktopAppRunning(ctx)

	var samlAuth authflow.AwsSamlAuthenticator
	var opener authflow.VerificationWindowOpener
	if running {
		samlAuth = remote
		opener = remote
	} else {
		opener = &terminalOpener{}
	}

	clientFactory := awsapi.NewClientFactory(logger)
	grants := authflow.NewDeviceGrantEngine(clientFactory, opener, logger)

	az, err := azurecli.New(azurecli.NewExecutor(), logger)
	if err != nil {
		keys.Close()
		auditDB.Close()
		return nil, fmt.Errorf("preparing az cli: %w", err)
	}

	core := session.NewCore(session.Config{
		Repository:   repo,
		Keystore:     keys,
		Profiles:     profile.NewWriter(cfg.CredentialsFilePath),
		Audit:        auditLogger,
		Logger:       logger,
		RefreshAhead: time.Duration(cfg.RefreshAheadSecs) * time.Second,
	})

	a := &app{
		cfg:           cfg,
		logger:        logger,
		repo:          repo,
		keys:          keys,
		auditDB:       auditDB,
		remote:        remote,
		daemonRunning: running,
	}

	a.iamUser = session.NewIamUserService(core, clientFactory, &terminalPrompter{})
	a.federated = session.NewIamRoleFederatedService(core, clientFactory, samlAuth)
	a.chained = session.NewIamRoleChainedService(core, clientFactory)
	a.ssoRole = session.NewSsoRoleService(core, clientFactory, grants)
	a.azure = session.NewAzureService(core, az)
	a.factory = session.NewFactory(a.iamUser, a.federated, a.chained, a.ssoRole, a.azure)

	a.ssoIntegrations = session.NewSsoIntegrationService(core, clientFactory, grants, a.factory)
	a.azureIntegrations = session.NewAzureIntegrationService(core, az, a.factory)

	return a, nil
}

func (a *app) Close() {
	a.keys.Close()
	a.auditDB.Close()
}

// notifySessions tells a running daemon to reload the workspace after
// this process changed it. Best effort.
func (a *app) notifySessions(ctx context.Context) {
	if !a.daemonRunning {
		return
	}
	if err := a.remote.RefreshSessions(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("daemon session refresh failed")
	}
}

func (a *app) notifyIntegrations(ctx context.Context) {
	if !a.daemonRunning {
		return
	}
	if err := a.remote.RefreshIntegrations(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("daemon integration refresh failed")
	}
}

// resolveSession matches an id, an id prefix, or an exact name.
func (a *app) resolveSession(ref string) (workspace.Session, error) {
	var matches []workspace.Session
	for _, s := range a.repo.GetSessions() {
		if s.ID == ref {
			return s, nil
		}
		if s.Name == ref || strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return workspace.Session{}, fmt.Errorf("no session matches %q", ref)
	default:
		return workspace.Session{}, fmt.Errorf("%q is ambiguous (%d sessions match)", ref, len(matches))
	}
}

// resolveSsoIntegration matches an id, an id prefix, or an alias.
func (a *app) resolveSsoIntegration(ref string) (workspace.SsoIntegration, error) {
	for _, in := range a.repo.ListSsoIntegrations() {
		if in.ID == ref || in.Alias == ref || strings.HasPrefix(in.ID, ref) {
			return in, nil
		}
	}
	return workspace.SsoIntegration{}, fmt.Errorf("no sso integration matches %q", ref)
}

func (a *app) resolveAzureIntegration(ref string) (workspace.AzureIntegration, error) {
	for _, in := range a.repo.ListAzureIntegrations() {
		if in.ID == ref || in.Alias == ref || strings.HasPrefix(in.ID, ref) {
			return in, nil
		}
	}
	return workspace.AzureIntegration{}, fmt.Errorf("no azure integration matches %q", ref)
}

// terminalPrompter reads an MFA code from the terminal without echo.
type terminalPrompter struct{}

func (terminalPrompter) PromptMfaCode(device string) (string, error) {
	fmt.Fprintf(os.Stderr, "MFA code for %s: ", device)
	code, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("reading mfa code: %w", err)
	}
	fmt.Fprintln(os.Stderr)
	return strings.TrimSpace(string(code)), nil
}

// terminalOpener handles device-grant verification when no desktop
// daemon is around: print the user code and open the system browser.
type terminalOpener struct{}

func (terminalOpener) OpenVerificationWindow(ctx context.Context, reg *ssooidc.RegisterClientOutput, auth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error {
	uri := aws.ToString(auth.VerificationUriComplete)
	if uri == "" {
		uri = aws.ToString(auth.VerificationUri)
	}
	fmt.Fprintf(os.Stderr, "Confirm code %s at %s\n", aws.ToString(auth.UserCode), uri)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", uri)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", uri)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", uri)
	}
	if err := cmd.Start(); err != nil {
		// The code was already printed; the user can open the page by hand.
		fmt.Fprintln(os.Stderr, "Could not open a browser; open the URL above manually.")
	}
	return nil
}
