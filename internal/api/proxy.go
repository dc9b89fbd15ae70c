package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/serverbox/serverbox/internal/errdefs"
	"github.com/serverbox/serverbox/internal/metrics"
)

// hopByHopHeaders are connection-scoped and never forwarded in either
// direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// callerAuthHeaders carry the caller's credentials to serverbox itself
// and must not leak upstream.
var callerAuthHeaders = []string{
	"Authorization",
	"X-Daytona-Preview-Token",
	"X-Serverbox-Admin-Key",
	"X-Serverbox-Proxy-Key",
}

// proxyRequest streams a client request through to the instance's
// upstream server, resuming the backing sandbox first if needed.
func (s *Server) proxyRequest(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return s.writeError(c, errdefs.New(errdefs.CodeInvalidConfig, "instance id is required"))
	}

	req := c.Request()
	ctx := req.Context()

	inst, err := s.resumer.EnsureRunning(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}

	target := strings.TrimRight(inst.URL, "/")
	if suffix := rawSuffix(req.URL); suffix != "" {
		target += "/" + suffix
	}
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	// Idle watchdog: aborts the upstream exchange once no byte has moved
	// for a full timeout window. Reset on every chunk in the copy loop, so
	// long-lived but active streams (SSE) are never cut.
	timeout := time.Duration(s.cfg.RequestTimeoutMs) * time.Millisecond
	upCtx := ctx
	var idle *time.Timer
	if timeout > 0 {
		var cancel context.CancelFunc
		upCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		idle = time.AfterFunc(timeout, cancel)
		defer idle.Stop()
	}

	upReq, err := http.NewRequestWithContext(upCtx, req.Method, target, req.Body)
	if err != nil {
		return s.writeError(c, errdefs.Wrap(errdefs.CodeInvalidConfig, err, "compose upstream request"))
	}

	copyProxyHeaders(upReq.Header, req.Header)
	upReq.SetBasicAuth(inst.Username, inst.Password)
	if inst.PreviewToken != "" {
		upReq.Header.Set("X-Daytona-Preview-Token", inst.PreviewToken)
	}
	upReq.Header.Set("X-Forwarded-Host", req.Host)
	upReq.Header.Set("X-Forwarded-Proto", "http")

	if s.cfg.RequestLogs {
		s.log.Debug("proxying request",
			zap.String("instanceId", id),
			zap.String("method", req.Method),
			zap.String("target", target))
	}

	start := time.Now()
	upResp, err := s.upstream.Do(upReq)
	if err != nil {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":   "Upstream proxy request failed",
			"details": err.Error(),
		})
	}
	defer upResp.Body.Close()

	resp := c.Response()
	copyProxyHeaders(resp.Header(), upResp.Header)
	resp.WriteHeader(upResp.StatusCode)

	// Flush after every chunk so server-sent events pass through live.
	if _, err := io.Copy(flushWriter{resp: resp, idle: idle, timeout: timeout}, upResp.Body); err != nil {
		// Headers are already on the wire; all we can do is abort.
		s.log.Debug("upstream stream aborted",
			zap.String("instanceId", id),
			zap.Error(err))
	}

	metrics.ProxyRequestsTotal.WithLabelValues(strconv.Itoa(upResp.StatusCode)).Inc()
	metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	return nil
}

// copyProxyHeaders copies src into dst minus hop-by-hop, host, and
// caller-auth headers.
func copyProxyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	for _, h := range callerAuthHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
}

// rawSuffix returns the path after /i/{id} exactly as the client sent
// it, so percent-encoded bytes reach the upstream untouched.
func rawSuffix(u *url.URL) string {
	p := strings.TrimPrefix(u.EscapedPath(), "/i/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return ""
}

type flushWriter struct {
	resp    *echo.Response
	idle    *time.Timer
	timeout time.Duration
}

func (w flushWriter) Write(p []byte) (int, error) {
	if w.idle != nil {
		w.idle.Reset(w.timeout)
	}
	n, err := w.resp.Write(p)
	if err == nil {
		w.resp.Flush()
	}
	return n, err
}
