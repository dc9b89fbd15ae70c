package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/auth"
	"github.com/serverbox/serverbox/internal/config"
	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/internal/metrics"
	"github.com/serverbox/serverbox/pkg/types"
)

// InstanceManager is the lifecycle surface the API exposes.
// *instance.Manager satisfies it.
type InstanceManager interface {
	Create(ctx context.Context, opts types.CreateOptions) (*types.Instance, error)
	Get(ctx context.Context, id string) (*types.Instance, error)
	List(ctx context.Context, opts types.ListOptions) ([]*types.Instance, error)
	Stop(ctx context.Context, id string) (*types.Instance, error)
	Resume(ctx context.Context, id string, timeout time.Duration) (*types.Instance, error)
	Archive(ctx context.Context, id string) (*types.Instance, error)
	Destroy(ctx context.Context, id string) error
	Health(ctx context.Context, id string) (map[string]any, error)
	Exec(ctx context.Context, id, command string, opts daytona.ExecOptions) (*types.ExecResult, error)
	UploadFile(ctx context.Context, id, path string, content []byte) error
	DownloadFile(ctx context.Context, id, path string) ([]byte, error)
}

// Resumer hands out running instances, resuming stopped ones.
// *instance.Coordinator satisfies it.
type Resumer interface {
	EnsureRunning(ctx context.Context, id string) (*types.Instance, error)
}

// Server holds the API server dependencies.
type Server struct {
	echo    *echo.Echo
	manager InstanceManager
	resumer Resumer
	cfg     *config.Config
	log     *zap.Logger

	upstream *http.Client
}

// NewServer creates an API server with all routes configured.
func NewServer(mgr InstanceManager, resumer Resumer, cfg *config.Config, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: mgr,
		resumer: resumer,
		cfg:     cfg,
		log:     log,
		upstream: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
				}).DialContext,
				ResponseHeaderTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			},
		},
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	admin := e.Group("/admin", auth.AdminKeyMiddleware(cfg.AdminKey))
	admin.GET("/instances", s.listInstances)
	admin.POST("/instances", s.createInstance)
	admin.GET("/instances/:id", s.getInstance)
	admin.POST("/instances/:id/resume", s.resumeInstance)
	admin.POST("/instances/:id/stop", s.stopInstance)
	admin.POST("/instances/:id/archive", s.archiveInstance)
	admin.DELETE("/instances/:id", s.destroyInstance)
	admin.GET("/instances/:id/health", s.instanceHealth)
	admin.POST("/instances/:id/exec", s.execInstance)
	admin.GET("/instances/:id/files", s.downloadFile)
	admin.POST("/instances/:id/files", s.uploadFile)

	proxy := e.Group("/i", auth.ProxyKeyMiddleware(cfg.ProxyKey))
	proxy.Any("/:id", s.proxyRequest)
	proxy.Any("/:id/*", s.proxyRequest)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// writeError translates a classified error into the JSON error response.
func (s *Server) writeError(c echo.Context, err error) error {
	code := errdefs.CodeOf(err)
	status := errdefs.HTTPStatus(code)
	body := map[string]any{"error": err.Error()}
	if code != "" {
		body["code"] = string(code)
	}
	if details := errdefs.Details(err); details != "" {
		body["details"] = details
	}
	if status >= 500 {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, body)
}
