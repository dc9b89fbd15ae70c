package instance

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/internal/metrics"
	"github.com/serverbox/serverbox/internal/store"
	"github.com/serverbox/serverbox/pkg/types"
)

const (
	createAttempts   = 3
	backoffBase      = 500 * time.Millisecond
	backoffCap       = 5 * time.Second
	backoffJitterMax = 150 * time.Millisecond

	defaultHealthPoll = 2 * time.Second

	instanceLabelKey = "serverbox/instance-id"
)

// Options configures a lifecycle manager.
type Options struct {
	// DaytonaAPIKey is checked at create time; create fails with
	// MISSING_DAYTONA_API_KEY when empty so read paths keep working
	// against existing records.
	DaytonaAPIKey string
	// PasswordLength is the generated upstream password length.
	PasswordLength int
	// DefaultTimeout bounds bootstrap health waits when the request
	// carries no explicit timeout.
	DefaultTimeout time.Duration
	// HealthPoll is the interval between health probes.
	HealthPoll time.Duration
}

// Manager is the sole writer of instance metadata. It drives the
// provider, the bootstrap driver, and the health prober through the
// instance state machine.
type Manager struct {
	store     store.Store
	provider  Provider
	bootstrap Bootstrapper
	log       *zap.Logger
	opts      Options

	// sleep is swapped out in tests to keep retry backoff instant.
	sleep func(time.Duration)
}

// NewManager wires a lifecycle manager over a store, provider, and
// bootstrap driver.
func NewManager(st store.Store, provider Provider, bootstrap Bootstrapper, log *zap.Logger, opts Options) *Manager {
	if opts.PasswordLength <= 0 {
		opts.PasswordLength = 32
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.HealthPoll <= 0 {
		opts.HealthPoll = defaultHealthPoll
	}
	return &Manager{
		store:     st,
		provider:  provider,
		bootstrap: bootstrap,
		log:       log,
		opts:      opts,
		sleep:     time.Sleep,
	}
}

// Create provisions a sandbox, bootstraps the upstream server inside it,
// and persists the record once the server is healthy. Any failure after
// sandbox creation tears the sandbox down best-effort and surfaces
// CREATE_FAILED wrapping the original cause.
func (m *Manager) Create(ctx context.Context, opts types.CreateOptions) (*types.Instance, error) {
	start := time.Now()
	if m.opts.DaytonaAPIKey == "" {
		return nil, errdefs.New(errdefs.CodeMissingDaytonaAPIKey, "DAYTONA_API_KEY is not configured")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errdefs.New(errdefs.CodeInvalidConfig, "instance %s already exists", id)
	}

	auth, err := NormalizeProviderAuth(opts.Auth, AuthEnvFromOS())
	if err != nil {
		return nil, err
	}

	password, err := generatePassword(m.opts.PasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate password: %w", err)
	}

	providerEnv := CollectProviderEnv(auth)
	envVars := make(map[string]string, len(providerEnv)+2)
	for k, v := range providerEnv {
		envVars[k] = v
	}
	envVars["OPENCODE_SERVER_USERNAME"] = upstreamUser
	envVars["OPENCODE_SERVER_PASSWORD"] = password

	labels := make(map[string]string, len(opts.Labels)+1)
	for k, v := range opts.Labels {
		labels[k] = v
	}
	labels[instanceLabelKey] = id

	spec := daytona.CreateSpec{
		Labels:  labels,
		EnvVars: envVars,
	}
	if opts.Resources != nil {
		spec.Resources = &daytona.Resources{
			CPU:    opts.Resources.CPU,
			Memory: opts.Resources.Memory,
			Disk:   opts.Resources.Disk,
		}
	}
	if opts.Lifecycle != nil {
		spec.AutoStopInterval = opts.Lifecycle.AutoStopMinutes
		spec.AutoArchiveInterval = opts.Lifecycle.AutoArchiveMinutes
		spec.AutoDeleteInterval = opts.Lifecycle.AutoDeleteMinutes
	}

	sandbox, err := m.createSandboxWithRetry(ctx, spec)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeCreateFailed, err, "create sandbox for instance %s", id)
	}

	timeout := m.opts.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	link, err := m.bringUp(ctx, sandbox.ID, auth, password, timeout, true)
	if err != nil {
		m.teardown(sandbox.ID)
		return nil, errdefs.Wrap(errdefs.CodeCreateFailed, err, "bring up instance %s", id)
	}

	now := time.Now().UTC()
	inst := &types.Instance{
		ID:           id,
		SandboxID:    sandbox.ID,
		State:        types.StateRunning,
		URL:          link.URL,
		PreviewToken: link.Token,
		Username:     upstreamUser,
		Password:     password,
		Providers:    providerNames(auth),
		Labels:       opts.Labels,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Set(ctx, inst); err != nil {
		m.teardown(sandbox.ID)
		return nil, errdefs.Wrap(errdefs.CodeCreateFailed, err, "persist instance %s", id)
	}

	metrics.InstanceCreateDuration.Observe(time.Since(start).Seconds())
	m.log.Info("instance created",
		zap.String("instanceId", id),
		zap.String("sandboxId", sandbox.ID))
	return inst.Clone(), nil
}

func (m *Manager) createSandboxWithRetry(ctx context.Context, spec daytona.CreateSpec) (*daytona.Sandbox, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if attempt > 0 {
			m.sleep(backoffDelay(attempt))
		}
		sandbox, err := m.provider.CreateSandbox(ctx, spec)
		if err == nil {
			return sandbox, nil
		}
		lastErr = err
		m.log.Warn("sandbox create attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// bringUp bootstraps the upstream server and waits for it to answer
// healthy through its preview link.
func (m *Manager) bringUp(ctx context.Context, sandboxID string, auth []types.ProviderAuth, password string, timeout time.Duration, installUpstream bool) (*daytona.PreviewLink, error) {
	cfg := BootstrapConfig{
		Username:        upstreamUser,
		Password:        password,
		ProviderEnv:     CollectProviderEnv(auth),
		AuthRecord:      BuildAuthRecord(auth),
		InstallUpstream: installUpstream,
	}
	if err := m.bootstrap.Bootstrap(ctx, sandboxID, cfg); err != nil {
		return nil, err
	}

	link, err := m.provider.GetPreviewLink(ctx, sandboxID, UpstreamPort)
	if err != nil {
		return nil, err
	}

	if _, err := WaitForHealth(ctx, HealthCheck{
		BaseURL:      link.URL,
		Username:     upstreamUser,
		Password:     password,
		PreviewToken: link.Token,
	}, timeout, m.opts.HealthPoll); err != nil {
		return nil, err
	}
	return link, nil
}

// teardown removes a sandbox after a failed create, swallowing errors.
func (m *Manager) teardown(sandboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.RemoveSandbox(ctx, sandboxID); err != nil {
		m.log.Warn("cleanup of failed sandbox did not complete",
			zap.String("sandboxId", sandboxID),
			zap.Error(err))
	}
}

// Get loads an instance and reconciles it with the provider.
func (m *Manager) Get(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := m.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if synced, err := m.syncMetadata(ctx, inst); err == nil {
		inst = synced
	} else {
		m.log.Debug("reconcile failed, serving stored record",
			zap.String("instanceId", id), zap.Error(err))
	}
	return inst.Clone(), nil
}

// List returns instances matching opts. With Refresh set, each record is
// reconciled with the provider in parallel; a failed reconciliation
// falls back to the stored record.
func (m *Manager) List(ctx context.Context, opts types.ListOptions) ([]*types.Instance, error) {
	instances, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Refresh {
		var wg sync.WaitGroup
		for i, inst := range instances {
			wg.Add(1)
			go func(i int, inst *types.Instance) {
				defer wg.Done()
				if synced, err := m.syncMetadata(ctx, inst); err == nil {
					instances[i] = synced
				}
			}(i, inst)
		}
		wg.Wait()
	}

	out := make([]*types.Instance, 0, len(instances))
	for _, inst := range instances {
		if opts.State != "" && inst.State != opts.State {
			continue
		}
		if !labelsMatch(inst.Labels, opts.Labels) {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

// Stop stops the backing sandbox and clears the preview URL.
func (m *Manager) Stop(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := m.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.provider.StopSandbox(ctx, inst.SandboxID); err != nil {
		return nil, err
	}
	inst.State = types.StateStopped
	inst.URL = ""
	inst.PreviewToken = ""
	inst.UpdatedAt = time.Now().UTC()
	if err := m.store.Set(ctx, inst); err != nil {
		return nil, err
	}
	m.log.Info("instance stopped", zap.String("instanceId", id))
	return inst.Clone(), nil
}

// Resume starts the backing sandbox, re-launches the upstream server,
// and waits for health within timeout (default 60 s). An archived
// sandbox goes through the same start call; a provider refusal surfaces
// as the resume failure.
func (m *Manager) Resume(ctx context.Context, id string, timeout time.Duration) (*types.Instance, error) {
	inst, err := m.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}

	if err := m.provider.StartSandbox(ctx, inst.SandboxID); err != nil {
		return nil, err
	}

	auth := authFromRecord(inst)
	link, err := m.bringUp(ctx, inst.SandboxID, auth, inst.Password, timeout, false)
	if err != nil {
		return nil, err
	}

	inst.State = types.StateRunning
	inst.URL = link.URL
	inst.PreviewToken = link.Token
	inst.UpdatedAt = time.Now().UTC()
	if err := m.store.Set(ctx, inst); err != nil {
		return nil, err
	}
	m.log.Info("instance resumed", zap.String("instanceId", id))
	return inst.Clone(), nil
}

// Archive archives the backing sandbox.
func (m *Manager) Archive(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := m.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.provider.ArchiveSandbox(ctx, inst.SandboxID); err != nil {
		return nil, err
	}
	inst.State = types.StateArchived
	inst.URL = ""
	inst.PreviewToken = ""
	inst.UpdatedAt = time.Now().UTC()
	if err := m.store.Set(ctx, inst); err != nil {
		return nil, err
	}
	m.log.Info("instance archived", zap.String("instanceId", id))
	return inst.Clone(), nil
}

// Destroy removes the backing sandbox and deletes the record. A sandbox
// already gone at the provider counts as success; destroying an unknown
// instance id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	if inst.SandboxID != "" {
		if err := m.provider.RemoveSandbox(ctx, inst.SandboxID); err != nil && !errdefs.IsCode(err, errdefs.CodeSandboxNotFound) {
			return err
		}
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Info("instance destroyed", zap.String("instanceId", id))
	return nil
}

// Health probes the upstream server of a running instance once and
// returns its health JSON.
func (m *Manager) Health(ctx context.Context, id string) (map[string]any, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return HealthCheck{
		BaseURL:      inst.URL,
		Username:     inst.Username,
		Password:     inst.Password,
		PreviewToken: inst.PreviewToken,
	}.Probe(ctx)
}

// Exec runs a command inside a running instance's sandbox.
func (m *Manager) Exec(ctx context.Context, id, command string, opts daytona.ExecOptions) (*types.ExecResult, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.provider.Exec(ctx, inst.SandboxID, command, opts)
	if err != nil {
		return nil, err
	}
	return &types.ExecResult{ExitCode: res.ExitCode, Output: res.Output}, nil
}

// UploadFile writes content into a running instance's sandbox.
func (m *Manager) UploadFile(ctx context.Context, id, path string, content []byte) error {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return err
	}
	return m.provider.UploadFile(ctx, inst.SandboxID, path, content)
}

// DownloadFile reads a file from a running instance's sandbox.
func (m *Manager) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.provider.DownloadFile(ctx, inst.SandboxID, path)
}

func (m *Manager) require(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errdefs.New(errdefs.CodeInstanceNotFound, "instance %s not found", id)
	}
	return inst, nil
}

func (m *Manager) requireRunning(ctx context.Context, id string) (*types.Instance, error) {
	inst, err := m.require(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State != types.StateRunning || inst.URL == "" {
		return nil, errdefs.New(errdefs.CodeInstanceNotRunning,
			"instance %s is %s, not running", id, inst.State)
	}
	return inst, nil
}

// syncMetadata reconciles a stored record against the provider. A gone
// sandbox marks the record destroyed; a running sandbox refreshes the
// preview link. The store is only written when the projection differs.
func (m *Manager) syncMetadata(ctx context.Context, inst *types.Instance) (*types.Instance, error) {
	projected := inst.Clone()

	sandbox, err := m.provider.GetSandbox(ctx, inst.SandboxID)
	switch {
	case errdefs.IsCode(err, errdefs.CodeSandboxNotFound):
		projected.State = types.StateDestroyed
		projected.URL = ""
		projected.PreviewToken = ""
	case err != nil:
		return nil, err
	default:
		projected.State = types.InstanceState(daytona.NormalizeState(sandbox.State))
		if projected.State == types.StateRunning {
			link, err := m.provider.GetPreviewLink(ctx, inst.SandboxID, UpstreamPort)
			if err != nil {
				return nil, err
			}
			projected.URL = link.URL
			projected.PreviewToken = link.Token
		} else {
			projected.URL = ""
			projected.PreviewToken = ""
		}
	}

	if projected.State == inst.State && projected.URL == inst.URL && projected.PreviewToken == inst.PreviewToken {
		return inst, nil
	}
	projected.UpdatedAt = time.Now().UTC()
	if err := m.store.Set(ctx, projected); err != nil {
		return nil, err
	}
	return projected, nil
}

// authFromRecord rebuilds the minimal auth list a resume needs from the
// persisted provider names. API keys are only held inside the sandbox
// after the initial bootstrap, so resume re-launches with env untouched.
func authFromRecord(inst *types.Instance) []types.ProviderAuth {
	out := make([]types.ProviderAuth, 0, len(inst.Providers))
	for _, p := range inst.Providers {
		out = append(out, types.ProviderAuth{Provider: p, Env: map[string]string{}})
	}
	return out
}

func providerNames(entries []types.ProviderAuth) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Provider)
	}
	return names
}

// labelsMatch reports whether want is a subset of have.
func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	if j, err := rand.Int(rand.Reader, big.NewInt(int64(backoffJitterMax))); err == nil {
		d += time.Duration(j.Int64())
	}
	return d
}

func generatePassword(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	s := base64.RawURLEncoding.EncodeToString(buf)
	return s[:length], nil
}
