package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/serverbox/serverbox/internal/daytona"
	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/pkg/types"
)

func (s *Server) serialize(inst *types.Instance) *types.SerializedInstance {
	return types.Serialize(inst, s.cfg.PublicURL)
}

func (s *Server) listInstances(c echo.Context) error {
	opts := types.ListOptions{
		State:   types.InstanceState(c.QueryParam("state")),
		Refresh: c.QueryParam("refresh") == "true",
	}
	if opts.State != "" && !types.ValidState(opts.State) {
		return s.writeError(c, errdefs.New(errdefs.CodeInvalidConfig, "unknown state %q", opts.State))
	}

	instances, err := s.manager.List(c.Request().Context(), opts)
	if err != nil {
		return s.writeError(c, err)
	}

	out := make([]*types.SerializedInstance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, s.serialize(inst))
	}
	return c.JSON(http.StatusOK, types.InstanceListResponse{Instances: out, Count: len(out)})
}

func (s *Server) createInstance(c echo.Context) error {
	var opts types.CreateOptions
	if err := c.Bind(&opts); err != nil {
		return s.writeError(c, errdefs.Wrap(errdefs.CodeInvalidConfig, err, "invalid create request body"))
	}

	inst, err := s.manager.Create(c.Request().Context(), opts)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, types.InstanceResponse{Instance: s.serialize(inst)})
}

func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, types.InstanceResponse{Instance: s.serialize(inst)})
}

func (s *Server) resumeInstance(c echo.Context) error {
	timeout := time.Duration(s.cfg.ResumeTimeoutMs) * time.Millisecond
	inst, err := s.manager.Resume(c.Request().Context(), c.Param("id"), timeout)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, types.InstanceResponse{Instance: s.serialize(inst)})
}

func (s *Server) stopInstance(c echo.Context) error {
	inst, err := s.manager.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, types.InstanceResponse{Instance: s.serialize(inst)})
}

func (s *Server) archiveInstance(c echo.Context) error {
	inst, err := s.manager.Archive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, types.InstanceResponse{Instance: s.serialize(inst)})
}

func (s *Server) destroyInstance(c echo.Context) error {
	id := c.Param("id")
	if err := s.manager.Destroy(c.Request().Context(), id); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) instanceHealth(c echo.Context) error {
	body, err := s.manager.Health(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) execInstance(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return s.writeError(c, errdefs.Wrap(errdefs.CodeInvalidConfig, err, "invalid exec request body"))
	}
	if req.Command == "" {
		return s.writeError(c, errdefs.New(errdefs.CodeInvalidConfig, "command is required"))
	}

	opts := daytona.ExecOptions{Cwd: req.Cwd}
	if req.Timeout > 0 {
		opts.Timeout = time.Duration(req.Timeout) * time.Second
	}
	res, err := s.manager.Exec(c.Request().Context(), c.Param("id"), req.Command, opts)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) uploadFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return s.writeError(c, errdefs.New(errdefs.CodeInvalidConfig, "path query parameter is required"))
	}
	content, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.writeError(c, errdefs.Wrap(errdefs.CodeInvalidConfig, err, "read upload body"))
	}
	if err := s.manager.UploadFile(c.Request().Context(), c.Param("id"), path, content); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (s *Server) downloadFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return s.writeError(c, errdefs.New(errdefs.CodeInvalidConfig, "path query parameter is required"))
	}
	data, err := s.manager.DownloadFile(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}
