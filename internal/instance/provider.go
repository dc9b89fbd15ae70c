package instance

import (
	"context"

	"github.com/serverbox/serverbox/internal/daytona"
)

// Provider is the sandbox-provider capability set the lifecycle manager
// consumes. *daytona.Client satisfies it; tests substitute counting fakes.
type Provider interface {
	CreateSandbox(ctx context.Context, spec daytona.CreateSpec) (*daytona.Sandbox, error)
	GetSandbox(ctx context.Context, id string) (*daytona.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]daytona.Sandbox, error)
	RemoveSandbox(ctx context.Context, id string) error
	StartSandbox(ctx context.Context, id string) error
	StopSandbox(ctx context.Context, id string) error
	ArchiveSandbox(ctx context.Context, id string) error
	GetPreviewLink(ctx context.Context, id string, port int) (*daytona.PreviewLink, error)
	Exec(ctx context.Context, id, command string, opts daytona.ExecOptions) (*daytona.ExecResult, error)
	UploadFile(ctx context.Context, id, path string, content []byte) error
	DownloadFile(ctx context.Context, id, path string) ([]byte, error)
}
