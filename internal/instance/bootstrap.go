package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/errdefs"
)

// Upstream server constants. The opencode server listens on a fixed port
// inside every sandbox; the preview link targets the same port.
const (
	UpstreamPort     = 4096
	upstreamUser     = "opencode"
	upstreamHost     = "0.0.0.0"
	upstreamLogPath  = "/tmp/opencode-serve.log"
	authRecordPath   = "/root/.local/share/opencode/auth.json"
	upstreamConfPath = "/root/.config/opencode/opencode.json"
)

// BootstrapConfig drives one bootstrap pass inside a sandbox.
type BootstrapConfig struct {
	Username    string
	Password    string
	ProviderEnv map[string]string
	// AuthRecord maps provider -> apiKey; written as the opencode auth
	// file when non-empty.
	AuthRecord map[string]string
	// UpstreamConfig is written as the opencode config file when non-nil.
	UpstreamConfig map[string]any
	// InstallUpstream provisions the opencode binary before launching.
	// Resume passes false; the pass must be idempotent in that mode.
	InstallUpstream bool
}

// Bootstrapper installs and launches the upstream server inside a sandbox.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, sandboxID string, cfg BootstrapConfig) error
}

// OpencodeBootstrapper drives the opencode server over the provider's
// exec and file-transfer capabilities.
type OpencodeBootstrapper struct {
	provider Provider
	log      *zap.Logger
}

// NewOpencodeBootstrapper creates the default bootstrap driver.
func NewOpencodeBootstrapper(provider Provider, log *zap.Logger) *OpencodeBootstrapper {
	return &OpencodeBootstrapper{provider: provider, log: log}
}

func (b *OpencodeBootstrapper) Bootstrap(ctx context.Context, sandboxID string, cfg BootstrapConfig) error {
	if cfg.InstallUpstream {
		if err := b.installUpstream(ctx, sandboxID); err != nil {
			return err
		}
	}

	if len(cfg.AuthRecord) > 0 {
		if err := b.writeAuthRecord(ctx, sandboxID, cfg.AuthRecord); err != nil {
			return err
		}
	}

	if cfg.UpstreamConfig != nil {
		data, err := json.Marshal(cfg.UpstreamConfig)
		if err != nil {
			return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "marshal upstream config")
		}
		if err := b.provider.UploadFile(ctx, sandboxID, upstreamConfPath, data); err != nil {
			return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "write upstream config in sandbox %s", sandboxID)
		}
	}

	return b.launchServer(ctx, sandboxID, cfg)
}

// installUpstream fetches the opencode binary. Skipped when a previous
// install is already on PATH, so a retried create stays cheap.
func (b *OpencodeBootstrapper) installUpstream(ctx context.Context, sandboxID string) error {
	const install = `command -v opencode >/dev/null 2>&1 || curl -fsSL https://opencode.ai/install | bash`
	res, err := b.provider.Exec(ctx, sandboxID, install, daytona.ExecOptions{Timeout: 5 * time.Minute})
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "install upstream in sandbox %s", sandboxID)
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.CodeBootstrapFailed,
			"upstream install in sandbox %s exited %d: %s", sandboxID, res.ExitCode, tail(res.Output))
	}
	b.log.Debug("upstream installed", zap.String("sandboxId", sandboxID))
	return nil
}

func (b *OpencodeBootstrapper) writeAuthRecord(ctx context.Context, sandboxID string, record map[string]string) error {
	// opencode auth.json shape: {"<provider>": {"type": "api", "key": "..."}}
	entries := make(map[string]map[string]string, len(record))
	for provider, key := range record {
		entries[provider] = map[string]string{"type": "api", "key": key}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "marshal auth record")
	}
	if err := b.provider.UploadFile(ctx, sandboxID, authRecordPath, data); err != nil {
		return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "write auth record in sandbox %s", sandboxID)
	}
	return nil
}

// launchServer tears down any previous server process and starts a fresh
// one detached from the exec session, credentials and provider env
// injected via the environment.
func (b *OpencodeBootstrapper) launchServer(ctx context.Context, sandboxID string, cfg BootstrapConfig) error {
	var env []string
	env = append(env,
		fmt.Sprintf("OPENCODE_SERVER_USERNAME=%s", shellQuote(cfg.Username)),
		fmt.Sprintf("OPENCODE_SERVER_PASSWORD=%s", shellQuote(cfg.Password)),
	)
	for k, v := range cfg.ProviderEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, shellQuote(v)))
	}

	cmd := fmt.Sprintf(
		`pkill -f 'opencode serve' >/dev/null 2>&1; sleep 0.2; nohup env %s opencode serve --hostname %s --port %d > %s 2>&1 & echo started`,
		strings.Join(env, " "), upstreamHost, UpstreamPort, upstreamLogPath,
	)

	res, err := b.provider.Exec(ctx, sandboxID, cmd, daytona.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBootstrapFailed, err, "launch upstream in sandbox %s", sandboxID)
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.CodeBootstrapFailed,
			"upstream launch in sandbox %s exited %d: %s", sandboxID, res.ExitCode, tail(res.Output))
	}
	b.log.Debug("upstream launched", zap.String("sandboxId", sandboxID), zap.Int("port", UpstreamPort))
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail trims command output to a diagnosable size for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	return s
}
