package daytona

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/serverbox/serverbox/internal/errdefs"
)

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSandbox_OK(t *testing.T) {
	want := Sandbox{ID: "sb-1", State: "started", Labels: map[string]string{"serverbox": "true"}}
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandbox/sb-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization: got %q", got)
		}
		json.NewEncoder(w).Encode(want)
	})

	c := NewClient(srv.URL, "test-key", "")
	got, err := c.GetSandbox(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if got.ID != want.ID || got.State != want.State {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetSandbox_NotFound(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := NewClient(srv.URL, "key", "")
	_, err := c.GetSandbox(context.Background(), "sb-missing")
	if err == nil {
		t.Fatal("expected error for 404, got nil")
	}
	if !errdefs.IsCode(err, errdefs.CodeSandboxNotFound) {
		t.Errorf("expected SANDBOX_NOT_FOUND, got %v", errdefs.CodeOf(err))
	}
}

func TestListSandboxes_BareArray(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Sandbox{{ID: "a"}, {ID: "b"}})
	})

	c := NewClient(srv.URL, "key", "")
	list, err := c.ListSandboxes(context.Background())
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" {
		t.Errorf("got %+v", list)
	}
}

func TestListSandboxes_ItemsEnvelope(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"items": []Sandbox{{ID: "a"}}})
	})

	c := NewClient(srv.URL, "key", "")
	list, err := c.ListSandboxes(context.Background())
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Errorf("got %+v", list)
	}
}

func TestGetPreviewLink_Object(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandbox/sb-1/ports/4096/preview-url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(PreviewLink{URL: "https://4096-sb-1.proxy.daytona.work", Token: "tok"})
	})

	c := NewClient(srv.URL, "key", "")
	link, err := c.GetPreviewLink(context.Background(), "sb-1", 4096)
	if err != nil {
		t.Fatalf("GetPreviewLink: %v", err)
	}
	if link.URL != "https://4096-sb-1.proxy.daytona.work" || link.Token != "tok" {
		t.Errorf("got %+v", link)
	}
}

func TestGetPreviewLink_BareString(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("https://4096-sb-1.proxy.daytona.work")
	})

	c := NewClient(srv.URL, "key", "")
	link, err := c.GetPreviewLink(context.Background(), "sb-1", 4096)
	if err != nil {
		t.Fatalf("GetPreviewLink: %v", err)
	}
	if link.URL != "https://4096-sb-1.proxy.daytona.work" {
		t.Errorf("got %+v", link)
	}
	if link.Token != "" {
		t.Errorf("expected empty token for bare string, got %q", link.Token)
	}
}

func TestCreateSandbox_SendsSpec(t *testing.T) {
	var gotSpec CreateSpec
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandbox" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotSpec)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Sandbox{ID: gotSpec.ID, State: "started"})
	})

	c := NewClient(srv.URL, "key", "us")
	sb, err := c.CreateSandbox(context.Background(), CreateSpec{
		ID:               "inst-1",
		Language:         "typescript",
		EnvVars:          map[string]string{"A": "b"},
		AutoStopInterval: 15,
	})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if sb.ID != "inst-1" {
		t.Errorf("ID: got %q", sb.ID)
	}
	if gotSpec.EnvVars["A"] != "b" || gotSpec.AutoStopInterval != 15 {
		t.Errorf("spec not forwarded: %+v", gotSpec)
	}
	if gotSpec.Target != "us" {
		t.Errorf("expected client target to be applied, got %q", gotSpec.Target)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	var paths []string
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	c := NewClient(srv.URL, "key", "")
	ctx := context.Background()
	if err := c.StartSandbox(ctx, "sb-1"); err != nil {
		t.Fatalf("StartSandbox: %v", err)
	}
	if err := c.StopSandbox(ctx, "sb-1"); err != nil {
		t.Fatalf("StopSandbox: %v", err)
	}
	if err := c.ArchiveSandbox(ctx, "sb-1"); err != nil {
		t.Fatalf("ArchiveSandbox: %v", err)
	}
	if err := c.RemoveSandbox(ctx, "sb-1"); err != nil {
		t.Fatalf("RemoveSandbox: %v", err)
	}

	want := []string{
		"POST /sandbox/sb-1/start",
		"POST /sandbox/sb-1/stop",
		"POST /sandbox/sb-1/archive",
		"DELETE /sandbox/sb-1",
	}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestExec(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/toolbox/sb-1/toolbox/process/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["command"] != "echo hi" {
			t.Errorf("command: got %v", body["command"])
		}
		json.NewEncoder(w).Encode(ExecResult{ExitCode: 0, Output: "hi\n"})
	})

	c := NewClient(srv.URL, "key", "")
	res, err := c.Exec(context.Background(), "sb-1", "echo hi", ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 || res.Output != "hi\n" {
		t.Errorf("got %+v", res)
	}
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]string{
		"running":      "running",
		"started":      "running",
		"STARTED":      "running",
		"stopped":      "stopped",
		"archived":     "archived",
		"destroyed":    "destroyed",
		"deleted":      "destroyed",
		"provisioning": "provisioning",
		"creating":     "provisioning",
		"weird":        "error",
		"":             "error",
	}
	for in, want := range cases {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %q, want %q", in, got, want)
		}
	}
}
