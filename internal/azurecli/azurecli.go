// Package azurecli drives the az command-line tool and reads its local
// state. Azure sessions never hold credential material themselves: the
// az CLI owns the tokens and this package makes it produce or drop them.
package azurecli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

const (
	azureDirName       = ".azure"
	profileFileName    = "azureProfile.json"
	tokenCacheFileName = "msal_token_cache.json"
)

// Executor runs an external command and returns its standard output.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execExecutor struct{}

// NewExecutor returns an Executor backed by os/exec.
func NewExecutor() Executor { return execExecutor{} }

func (execExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &errdefs.ProviderCommandFailedError{
			Command:  name + " " + strings.Join(args, " "),
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

// Subscription is one subscription entry from the az profile.
type Subscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TenantID  string `json:"tenantId"`
	IsDefault bool   `json:"isDefault"`
}

// Profile is the az CLI's persisted account state.
type Profile struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// AccessTokenInfo is the token material az returns from
// `az account get-access-token`.
type AccessTokenInfo struct {
	AccessToken  string `json:"accessToken"`
	ExpiresOn    string `json:"expiresOn"`
	Subscription string `json:"subscription"`
	Tenant       string `json:"tenant"`
	TokenType    string `json:"tokenType"`
}

// CLI wraps the az binary and the files it keeps under ~/.azure.
type CLI struct {
	exec     Executor
	azureDir string
	logger   zerolog.Logger
}

// New creates a CLI reading az state from the user's home directory.
func New(executor Executor, logger zerolog.Logger) (*CLI, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return NewWithDir(executor, filepath.Join(home, azureDirName), logger), nil
}

// NewWithDir creates a CLI reading az state from azureDir.
func NewWithDir(executor Executor, azureDir string, logger zerolog.Logger) *CLI {
	return &CLI{exec: executor, azureDir: azureDir, logger: logger}
}

// Login runs the interactive az login for the tenant.
func (c *CLI) Login(ctx context.Context, tenantID string) error {
	c.logger.Info().Str("tenant_id", tenantID).Msg("running az login")
	_, err := c.exec.Run(ctx, "az", "login", "--tenant", tenantID)
	return err
}

// SetDefaultLocation configures the az default location.
func (c *CLI) SetDefaultLocation(ctx context.Context, location string) error {
	_, err := c.exec.Run(ctx, "az", "configure", "--default", "location="+location)
	return err
}

// GetAccessToken makes az mint (or refresh) an access token scoped to the
// subscription and returns the parsed response.
func (c *CLI) GetAccessToken(ctx context.Context, subscriptionID string) (AccessTokenInfo, error) {
	out, err := c.exec.Run(ctx, "az", "account", "get-access-token", "--subscription", subscriptionID)
	if err != nil {
		return AccessTokenInfo{}, err
	}
	var info AccessTokenInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return AccessTokenInfo{}, &errdefs.ParseError{Component: "az access token", Fragment: string(out), Err: err}
	}
	return info, nil
}

// Logout drops the az token cache and account state.
func (c *CLI) Logout(ctx context.Context) error {
	c.logger.Info().Msg("running az logout")
	_, err := c.exec.Run(ctx, "az", "logout")
	return err
}

// LoadProfile reads the persisted az account profile. A missing file
// yields an empty profile.
func (c *CLI) LoadProfile() (Profile, error) {
	data, err := os.ReadFile(filepath.Join(c.azureDir, profileFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("reading az profile: %w", err)
	}
	// az writes the file with a BOM on some platforms.
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, &errdefs.ParseError{Component: "az profile", Err: err}
	}
	return p, nil
}

// AccessTokenExpiration inspects the MSAL token cache and returns the
// latest access-token expiration recorded for the tenant. Returns a
// NotFoundError when the cache holds no token for the tenant.
func (c *CLI) AccessTokenExpiration(tenantID string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(c.azureDir, tokenCacheFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, &errdefs.NotFoundError{Resource: "msal access token", ID: tenantID}
		}
		return time.Time{}, fmt.Errorf("reading msal token cache: %w", err)
	}

	var cache struct {
		AccessToken map[string]struct {
			Realm     string `json:"realm"`
			ExpiresOn string `json:"expires_on"`
		} `json:"AccessToken"`
	}
	if err := json.Unmarshal(data, &cache); err != nil {
		return time.Time{}, &errdefs.ParseError{Component: "msal token cache", Err: err}
	}

	var latest time.Time
	for _, entry := range cache.AccessToken {
		if entry.Realm != tenantID {
			continue
		}
		secs, err := strconv.ParseInt(entry.ExpiresOn, 10, 64)
		if err != nil {
			continue
		}
		if exp := time.Unix(secs, 0); exp.After(latest) {
			latest = exp
		}
	}
	if latest.IsZero() {
		return time.Time{}, &errdefs.NotFoundError{Resource: "msal access token", ID: tenantID}
	}
	return latest, nil
}
