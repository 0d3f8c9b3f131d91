// cloudkeepd is the desktop-role process: it serves the synchronization
// bridge on the unix socket, owns the browser-bound authentication
// capabilities, and keeps active sessions rotated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/spf13/cobra"

	"github.com/cloudkeep-io/cloudkeep/internal/audit"
	"github.com/cloudkeep-io/cloudkeep/internal/authflow"
	"github.com/cloudkeep-io/cloudkeep/internal/awsapi"
	"github.com/cloudkeep-io/cloudkeep/internal/azurecli"
	"github.com/cloudkeep-io/cloudkeep/internal/config"
	"github.com/cloudkeep-io/cloudkeep/internal/ipc"
	"github.com/cloudkeep-io/cloudkeep/internal/keystore"
	"github.com/cloudkeep-io/cloudkeep/internal/logging"
	"github.com/cloudkeep-io/cloudkeep/internal/profile"
	"github.com/cloudkeep-io/cloudkeep/internal/rotation"
	"github.com/cloudkeep-io/cloudkeep/internal/session"
	"github.com/cloudkeep-io/cloudkeep/internal/workspace"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "cloudkeepd",
		Short:        "cloudkeep desktop daemon — bridge server and rotation engine",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	repo, err := workspace.Open(config.WorkspacePath(), logger)
	if err != nil {
		return fmt.Errorf("opening workspace: %w", err)
	}

	secret, err := config.EnsureKeystoreSecret()
	if err != nil {
		return fmt.Errorf("preparing keystore secret: %w", err)
	}
	keys, err := keystore.OpenFileStore(config.KeystorePath(), secret)
	if err != nil {
		return fmt.Errorf("opening keystore: %w", err)
	}
	defer keys.Close()

	auditDB, err := audit.OpenDB(config.AuditDBPath())
	if err != nil {
		return fmt.Errorf("opening audit db: %w", err)
	}
	defer auditDB.Close()
	auditLogger, err := audit.NewLogger(auditDB)
	if err != nil {
		return fmt.Errorf("preparing audit logger: %w", err)
	}

	clientFactory := awsapi.NewClientFactory(logger)
	opener := &browserOpener{}
	grants := authflow.NewDeviceGrantEngine(clientFactory, opener, logger)

	azExec := azurecli.NewExecutor()
	az, err := azurecli.New(azExec, logger)
	if err != nil {
		return fmt.Errorf("preparing az cli: %w", err)
	}

	core := session.NewCore(session.Config{
		Repository:   repo,
		Keystore:     keys,
		Profiles:     profile.NewWriter(cfg.CredentialsFilePath),
		Audit:        auditLogger,
		Logger:       logger,
		RefreshAhead: time.Duration(cfg.RefreshAheadSecs) * time.Second,
	})

	// The daemon has no embedded webview: federated SAML sign-in is not
	// available here and its bridge methods answer with an error.
	var samlAuth authflow.AwsSamlAuthenticator

	iamUser := session.NewIamUserService(core, clientFactory, nil)
	federated := session.NewIamRoleFederatedService(core, clientFactory, samlAuth)
	chained := session.NewIamRoleChainedService(core, clientFactory)
	ssoRole := session.NewSsoRoleService(core, clientFactory, grants)
	azureSvc := session.NewAzureService(core, az)
	factory := session.NewFactory(iamUser, federated, chained, ssoRole, azureSvc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := rotation.NewEngine(
		repo,
		factory,
		time.Duration(cfg.RotationIntervalSecs)*time.Second,
		time.Duration(cfg.RefreshAheadSecs)*time.Second,
		logger,
	)
	go engine.Run(ctx)

	server := ipc.NewServer(repo, samlAuth, opener, logger)
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	socket := config.BridgeSocketPath()
	if err := server.ListenAndServe(socket); err != nil && ctx.Err() == nil {
		return fmt.Errorf("bridge server: %w", err)
	}
	return nil
}

// browserOpener shows the device-grant verification page in the user's
// default browser. A plain browser tab cannot report being closed, so
// onWindowClose never fires here.
type browserOpener struct{}

func (browserOpener) OpenVerificationWindow(ctx context.Context, reg *ssooidc.RegisterClientOutput, auth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error {
	uri := aws.ToString(auth.VerificationUriComplete)
	if uri == "" {
		uri = aws.ToString(auth.VerificationUri)
	}
	if uri == "" {
		return fmt.Errorf("device authorization response has no verification uri")
	}

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
		return fmt.Errorf("opening browser: %w", err)
	}
	return nil
}
