package instance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/internal/store"
	"github.com/serverbox/serverbox/pkg/types"
)

type fakeProvider struct {
	createCalls  atomic.Int32
	removeCalls  atomic.Int32
	startCalls   atomic.Int32
	stopCalls    atomic.Int32
	archiveCalls atomic.Int32

	createFailures int32
	sandboxState   string
	sandboxGone    bool
	previewURL     string
	previewToken   string
}

func (f *fakeProvider) CreateSandbox(ctx context.Context, spec daytona.CreateSpec) (*daytona.Sandbox, error) {
	n := f.createCalls.Add(1)
	if n <= f.createFailures {
		return nil, errdefs.New(errdefs.CodeDaytonaAPIError, "transient create failure")
	}
	return &daytona.Sandbox{ID: "sbx-1", State: "running", Labels: spec.Labels}, nil
}

func (f *fakeProvider) GetSandbox(ctx context.Context, id string) (*daytona.Sandbox, error) {
	if f.sandboxGone {
		return nil, errdefs.New(errdefs.CodeSandboxNotFound, "sandbox %s not found", id)
	}
	state := f.sandboxState
	if state == "" {
		state = "running"
	}
	return &daytona.Sandbox{ID: id, State: state}, nil
}

func (f *fakeProvider) ListSandboxes(ctx context.Context) ([]daytona.Sandbox, error) {
	return nil, nil
}

func (f *fakeProvider) RemoveSandbox(ctx context.Context, id string) error {
	f.removeCalls.Add(1)
	if f.sandboxGone {
		return errdefs.New(errdefs.CodeSandboxNotFound, "sandbox %s not found", id)
	}
	return nil
}

func (f *fakeProvider) StartSandbox(ctx context.Context, id string) error {
	f.startCalls.Add(1)
	return nil
}

func (f *fakeProvider) StopSandbox(ctx context.Context, id string) error {
	f.stopCalls.Add(1)
	return nil
}

func (f *fakeProvider) ArchiveSandbox(ctx context.Context, id string) error {
	f.archiveCalls.Add(1)
	return nil
}

func (f *fakeProvider) GetPreviewLink(ctx context.Context, id string, port int) (*daytona.PreviewLink, error) {
	return &daytona.PreviewLink{URL: f.previewURL, Token: f.previewToken}, nil
}

func (f *fakeProvider) Exec(ctx context.Context, id, command string, opts daytona.ExecOptions) (*daytona.ExecResult, error) {
	return &daytona.ExecResult{ExitCode: 0, Output: "ran: " + command}, nil
}

func (f *fakeProvider) UploadFile(ctx context.Context, id, path string, content []byte) error {
	return nil
}

func (f *fakeProvider) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	return []byte("content"), nil
}

type fakeBootstrap struct {
	calls   atomic.Int32
	lastCfg BootstrapConfig
	fail    bool
}

func (f *fakeBootstrap) Bootstrap(ctx context.Context, sandboxID string, cfg BootstrapConfig) error {
	f.calls.Add(1)
	f.lastCfg = cfg
	if f.fail {
		return errdefs.New(errdefs.CodeBootstrapFailed, "boom")
	}
	return nil
}

func healthyUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, provider *fakeProvider, bootstrap *fakeBootstrap) (*Manager, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, provider, bootstrap, zap.NewNop(), Options{
		DaytonaAPIKey:  "key",
		DefaultTimeout: 2 * time.Second,
		HealthPoll:     10 * time.Millisecond,
	})
	m.sleep = func(time.Duration) {}
	return m, st
}

func TestManagerCreate(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL, previewToken: "tok"}
	bootstrap := &fakeBootstrap{}
	m, st := newTestManager(t, provider, bootstrap)

	inst, err := m.Create(context.Background(), types.CreateOptions{
		ID:     "inst-1",
		Auth:   []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}},
		Labels: map[string]string{"team": "dev"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.State != types.StateRunning {
		t.Errorf("state: got %s, want running", inst.State)
	}
	if inst.URL != upstream.URL || inst.PreviewToken != "tok" {
		t.Errorf("preview: got %q/%q", inst.URL, inst.PreviewToken)
	}
	if inst.Username != "opencode" {
		t.Errorf("username: got %q", inst.Username)
	}
	if len(inst.Password) != 32 {
		t.Errorf("password length: got %d, want 32", len(inst.Password))
	}
	if len(inst.Providers) != 1 || inst.Providers[0] != "opencode" {
		t.Errorf("providers: got %v", inst.Providers)
	}
	if !bootstrap.lastCfg.InstallUpstream {
		t.Error("create must bootstrap with install enabled")
	}
	if bootstrap.lastCfg.AuthRecord["opencode"] != "k" {
		t.Errorf("auth record: got %v", bootstrap.lastCfg.AuthRecord)
	}

	stored, err := st.Get(context.Background(), "inst-1")
	if err != nil || stored == nil {
		t.Fatalf("stored record: %v %v", stored, err)
	}
	if stored.State != types.StateRunning {
		t.Errorf("stored state: got %s", stored.State)
	}
}

func TestManagerCreate_GeneratesID(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL}
	m, _ := newTestManager(t, provider, &fakeBootstrap{})

	inst, err := m.Create(context.Background(), types.CreateOptions{
		Auth: []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestManagerCreate_RetriesSandboxCreation(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL, createFailures: 2}
	m, _ := newTestManager(t, provider, &fakeBootstrap{})

	_, err := m.Create(context.Background(), types.CreateOptions{
		Auth: []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := provider.createCalls.Load(); got != 3 {
		t.Errorf("create calls: got %d, want 3", got)
	}
}

func TestManagerCreate_ExhaustedRetriesFail(t *testing.T) {
	provider := &fakeProvider{createFailures: 10}
	m, _ := newTestManager(t, provider, &fakeBootstrap{})

	_, err := m.Create(context.Background(), types.CreateOptions{
		Auth: []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}},
	})
	if !errdefs.IsCode(err, errdefs.CodeCreateFailed) {
		t.Errorf("expected CREATE_FAILED, got %v", err)
	}
	if got := provider.createCalls.Load(); got != 3 {
		t.Errorf("create calls: got %d, want 3", got)
	}
}

func TestManagerCreate_BootstrapFailureTearsDownSandbox(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL}
	m, st := newTestManager(t, provider, &fakeBootstrap{fail: true})

	_, err := m.Create(context.Background(), types.CreateOptions{
		ID:   "inst-1",
		Auth: []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}},
	})
	if !errdefs.IsCode(err, errdefs.CodeCreateFailed) {
		t.Fatalf("expected CREATE_FAILED, got %v", err)
	}
	if got := provider.removeCalls.Load(); got != 1 {
		t.Errorf("expected sandbox teardown, remove calls: %d", got)
	}
	if stored, _ := st.Get(context.Background(), "inst-1"); stored != nil {
		t.Error("failed create must not persist a record")
	}
}

func TestManagerCreate_MissingDaytonaKey(t *testing.T) {
	m, _ := newTestManager(t, &fakeProvider{}, &fakeBootstrap{})
	m.opts.DaytonaAPIKey = ""

	_, err := m.Create(context.Background(), types.CreateOptions{})
	if !errdefs.IsCode(err, errdefs.CodeMissingDaytonaAPIKey) {
		t.Errorf("expected MISSING_DAYTONA_API_KEY, got %v", err)
	}
}

func TestManagerCreate_DuplicateID(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL}
	m, _ := newTestManager(t, provider, &fakeBootstrap{})

	opts := types.CreateOptions{ID: "dup", Auth: []types.ProviderAuth{{Provider: "opencode", APIKey: "k"}}}
	if _, err := m.Create(context.Background(), opts); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.Create(context.Background(), opts)
	if !errdefs.IsCode(err, errdefs.CodeInvalidConfig) {
		t.Errorf("expected INVALID_CONFIG on duplicate id, got %v", err)
	}
}

func TestManagerGet_NotFound(t *testing.T) {
	m, _ := newTestManager(t, &fakeProvider{}, &fakeBootstrap{})
	_, err := m.Get(context.Background(), "nope")
	if !errdefs.IsCode(err, errdefs.CodeInstanceNotFound) {
		t.Errorf("expected INSTANCE_NOT_FOUND, got %v", err)
	}
}

func seedInstance(t *testing.T, st store.Store, id string, state types.InstanceState, url string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.Set(context.Background(), &types.Instance{
		ID:        id,
		SandboxID: "sbx-" + id,
		State:     state,
		URL:       url,
		Username:  "opencode",
		Password:  "pw",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestManagerGet_ReconcilesProviderState(t *testing.T) {
	provider := &fakeProvider{sandboxState: "stopped"}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://old")

	inst, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != types.StateStopped {
		t.Errorf("state: got %s, want stopped", inst.State)
	}
	if inst.URL != "" || inst.PreviewToken != "" {
		t.Errorf("non-running instance must have no preview url, got %q", inst.URL)
	}

	stored, _ := st.Get(context.Background(), "a")
	if stored.State != types.StateStopped {
		t.Errorf("reconciliation must persist, stored state %s", stored.State)
	}
}

func TestManagerGet_GoneSandboxMarksDestroyed(t *testing.T) {
	provider := &fakeProvider{sandboxGone: true}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://old")

	inst, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.State != types.StateDestroyed {
		t.Errorf("state: got %s, want destroyed", inst.State)
	}
}

func TestManagerGet_ReturnsIsolatedCopy(t *testing.T) {
	provider := &fakeProvider{sandboxState: "stopped"}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	now := time.Now().UTC()
	err := st.Set(context.Background(), &types.Instance{
		ID:        "a",
		SandboxID: "sbx-a",
		State:     types.StateStopped,
		Providers: []string{"opencode"},
		Labels:    map[string]string{"team": "dev"},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first.Providers[0] = "mutated"
	first.Labels["team"] = "mutated"

	second, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Providers[0] != "opencode" {
		t.Errorf("providers alias the caller's copy: %v", second.Providers)
	}
	if second.Labels["team"] != "dev" {
		t.Errorf("labels alias the caller's copy: %v", second.Labels)
	}

	listed, err := m.List(context.Background(), types.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d instances", len(listed))
	}
	listed[0].Labels["team"] = "mutated"
	listed[0].Providers[0] = "mutated"

	again, err := m.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Labels["team"] != "dev" || again.Providers[0] != "opencode" {
		t.Errorf("listed records alias the caller's copy: %v %v", again.Labels, again.Providers)
	}
}

func TestManagerStop(t *testing.T) {
	provider := &fakeProvider{}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://up")

	inst, err := m.Stop(context.Background(), "a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if inst.State != types.StateStopped || inst.URL != "" {
		t.Errorf("got state=%s url=%q", inst.State, inst.URL)
	}
	if provider.stopCalls.Load() != 1 {
		t.Errorf("stop calls: %d", provider.stopCalls.Load())
	}
}

func TestManagerResume(t *testing.T) {
	upstream := healthyUpstream(t)
	provider := &fakeProvider{previewURL: upstream.URL, previewToken: "tok2"}
	bootstrap := &fakeBootstrap{}
	m, st := newTestManager(t, provider, bootstrap)
	seedInstance(t, st, "a", types.StateStopped, "")

	inst, err := m.Resume(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if inst.State != types.StateRunning {
		t.Errorf("state: got %s", inst.State)
	}
	if inst.URL != upstream.URL || inst.PreviewToken != "tok2" {
		t.Errorf("preview: got %q/%q", inst.URL, inst.PreviewToken)
	}
	if provider.startCalls.Load() != 1 {
		t.Errorf("start calls: %d", provider.startCalls.Load())
	}
	if bootstrap.lastCfg.InstallUpstream {
		t.Error("resume must not reinstall the upstream binary")
	}
}

func TestManagerArchive(t *testing.T) {
	provider := &fakeProvider{}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateStopped, "")

	inst, err := m.Archive(context.Background(), "a")
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if inst.State != types.StateArchived {
		t.Errorf("state: got %s", inst.State)
	}
	if provider.archiveCalls.Load() != 1 {
		t.Errorf("archive calls: %d", provider.archiveCalls.Load())
	}
}

func TestManagerDestroy(t *testing.T) {
	provider := &fakeProvider{}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://up")

	if err := m.Destroy(context.Background(), "a"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if stored, _ := st.Get(context.Background(), "a"); stored != nil {
		t.Error("record must be deleted")
	}

	// Unknown id and already-gone sandbox are both fine.
	if err := m.Destroy(context.Background(), "a"); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	provider.sandboxGone = true
	seedInstance(t, st, "b", types.StateRunning, "http://up")
	if err := m.Destroy(context.Background(), "b"); err != nil {
		t.Errorf("destroy with gone sandbox: %v", err)
	}
}

func TestManagerExec_RequiresRunning(t *testing.T) {
	m, st := newTestManager(t, &fakeProvider{}, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateStopped, "")

	_, err := m.Exec(context.Background(), "a", "ls", daytona.ExecOptions{})
	if !errdefs.IsCode(err, errdefs.CodeInstanceNotRunning) {
		t.Errorf("expected INSTANCE_NOT_RUNNING, got %v", err)
	}
}

func TestManagerExec(t *testing.T) {
	provider := &fakeProvider{sandboxState: "running"}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://up")

	res, err := m.Exec(context.Background(), "a", "echo hi", daytona.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "ran: echo hi" {
		t.Errorf("got %+v", res)
	}
}

func TestManagerList_Filters(t *testing.T) {
	m, st := newTestManager(t, &fakeProvider{}, &fakeBootstrap{})
	now := time.Now().UTC()
	for _, rec := range []*types.Instance{
		{ID: "run-1", SandboxID: "s1", State: types.StateRunning, Labels: map[string]string{"team": "dev"}, CreatedAt: now, UpdatedAt: now},
		{ID: "run-2", SandboxID: "s2", State: types.StateRunning, Labels: map[string]string{"team": "ops"}, CreatedAt: now, UpdatedAt: now},
		{ID: "stop-1", SandboxID: "s3", State: types.StateStopped, Labels: map[string]string{"team": "dev"}, CreatedAt: now, UpdatedAt: now},
	} {
		if err := st.Set(context.Background(), rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	byState, err := m.List(context.Background(), types.ListOptions{State: types.StateRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byState) != 2 {
		t.Errorf("state filter: got %d, want 2", len(byState))
	}

	byLabel, err := m.List(context.Background(), types.ListOptions{Labels: map[string]string{"team": "dev"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byLabel) != 2 {
		t.Errorf("label filter: got %d, want 2", len(byLabel))
	}

	both, err := m.List(context.Background(), types.ListOptions{State: types.StateRunning, Labels: map[string]string{"team": "dev"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(both) != 1 || both[0].ID != "run-1" {
		t.Errorf("combined filter: got %v", both)
	}
}

func TestManagerList_RefreshReconciles(t *testing.T) {
	provider := &fakeProvider{sandboxState: "stopped"}
	m, st := newTestManager(t, provider, &fakeBootstrap{})
	seedInstance(t, st, "a", types.StateRunning, "http://up")

	out, err := m.List(context.Background(), types.ListOptions{Refresh: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || out[0].State != types.StateStopped {
		t.Errorf("refresh must reconcile, got %+v", out)
	}
}
