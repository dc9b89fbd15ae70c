package types

import "time"

// InstanceState represents the lifecycle state of an instance.
type InstanceState string

const (
	StateProvisioning  InstanceState = "provisioning"
	StateBootstrapping InstanceState = "bootstrapping"
	StateRunning       InstanceState = "running"
	StateStopped       InstanceState = "stopped"
	StateArchived      InstanceState = "archived"
	StateError         InstanceState = "error"
	StateDestroyed     InstanceState = "destroyed"
)

// ValidState reports whether s is a known instance state.
func ValidState(s InstanceState) bool {
	switch s {
	case StateProvisioning, StateBootstrapping, StateRunning,
		StateStopped, StateArchived, StateError, StateDestroyed:
		return true
	}
	return false
}

// Instance binds a stable id to a backing sandbox, its upstream
// credentials, and the last-known preview URL.
type Instance struct {
	ID           string            `json:"id"`
	SandboxID    string            `json:"sandboxId"`
	State        InstanceState     `json:"state"`
	URL          string            `json:"url,omitempty"`
	PreviewToken string            `json:"previewToken,omitempty"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	Providers    []string          `json:"providers,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy. Providers and Labels never alias the
// receiver's slices/maps, so callers can mutate the copy freely.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	if i.Providers != nil {
		out.Providers = append([]string(nil), i.Providers...)
	}
	if i.Labels != nil {
		out.Labels = make(map[string]string, len(i.Labels))
		for k, v := range i.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

// ProviderAuth configures one upstream model provider for an instance.
type ProviderAuth struct {
	Provider string            `json:"provider"`
	APIKey   string            `json:"apiKey,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// Resources requests sandbox compute resources.
type Resources struct {
	CPU    int `json:"cpu,omitempty"`
	Memory int `json:"mem,omitempty"`
	Disk   int `json:"disk,omitempty"`
}

// Lifecycle configures provider-side idle intervals, in minutes.
type Lifecycle struct {
	AutoStopMinutes    int `json:"autoStopMinutes,omitempty"`
	AutoArchiveMinutes int `json:"autoArchiveMinutes,omitempty"`
	AutoDeleteMinutes  int `json:"autoDeleteMinutes,omitempty"`
}

// CreateOptions is the request body for creating an instance.
type CreateOptions struct {
	ID        string            `json:"id,omitempty"`
	Auth      []ProviderAuth    `json:"auth,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Resources *Resources        `json:"resources,omitempty"`
	Lifecycle *Lifecycle        `json:"lifecycle,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// ListOptions filters an instance listing.
type ListOptions struct {
	State   InstanceState     `json:"state,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Refresh bool              `json:"refresh,omitempty"`
}

// SerializedInstance is an instance as returned by the admin API,
// with the stable proxy URL attached.
type SerializedInstance struct {
	Instance
	ProxyURL string `json:"proxyUrl"`
}

// Serialize attaches the proxy URL for the given externally-visible base URL.
func Serialize(i *Instance, proxyBaseURL string) *SerializedInstance {
	c := i.Clone()
	return &SerializedInstance{
		Instance: *c,
		ProxyURL: proxyBaseURL + "/i/" + c.ID,
	}
}

// InstanceListResponse is the admin API response for listing instances.
type InstanceListResponse struct {
	Instances []*SerializedInstance `json:"instances"`
	Count     int                   `json:"count"`
}

// InstanceResponse wraps a single instance for the admin API.
type InstanceResponse struct {
	Instance *SerializedInstance `json:"instance"`
}

// ExecRequest is the request body for running a command in an instance.
type ExecRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Timeout int    `json:"timeout,omitempty"` // seconds
}

// ExecResult is the result of a command run inside an instance sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}
