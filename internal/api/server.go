// Package api terminates the client-facing HTTP protocols and adapts them
// onto the execution hub.
package api

import (
	"context"
	"net/http"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/provider"
)

// Server is the gateway HTTP front end.
type Server struct {
	cfg      *config.Config
	settings config.Settings
	executor *hub.Executor
	registry *provider.Registry
	stats    *hub.Stats
	version  string

	engine *gin.Engine
	srv    *http.Server
	// ready is when the startup hold elapses; /health reports starting
	// until then so load balancers wait out provider initialisation.
	ready time.Time
}

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Config
	Settings config.Settings
	Executor *hub.Executor
	Registry *provider.Registry
	Stats    *hub.Stats
	Version  string
}

// NewServer builds the gin engine and routes.
func NewServer(opts Options) *Server {
	if !opts.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:      opts.Config,
		settings: opts.Settings,
		executor: opts.Executor,
		registry: opts.Registry,
		stats:    opts.Stats,
		version:  opts.Version,
		ready:    time.Now().Add(time.Duration(opts.Settings.StartupHoldMs) * time.Millisecond),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.handleHealth)
	engine.GET("/config", s.handleConfig)
	engine.GET("/debug/runtime", s.handleDebugRuntime)
	engine.GET("/daemon/admin", s.handleAdminPage)
	engine.POST("/shutdown", s.handleShutdown)

	v1 := engine.Group("/v1", s.clientAuth())
	v1.POST("/chat/completions", s.entryHandler(hub.EndpointChatCompletions))
	v1.POST("/messages", s.entryHandler(hub.EndpointMessages))
	v1.POST("/responses", s.entryHandler(hub.EndpointResponses))
	v1.GET("/models", s.handleModels)

	s.engine = engine
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.cfg.Address())
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	if time.Now().Before(s.ready) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "starting",
			"server":  "routecodex",
			"version": s.version,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"server":  "routecodex",
		"version": s.version,
	})
}

// handleConfig reports the effective configuration with secrets elided.
func (s *Server) handleConfig(c *gin.Context) {
	providers := make(map[string]any, len(s.cfg.Providers))
	for id, p := range s.cfg.Providers {
		providers[id] = gin.H{
			"protocol":     p.Protocol,
			"baseUrl":      p.BaseURL,
			"authType":     p.Auth.Type,
			"models":       p.Models,
			"defaultModel": p.DefaultModel,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"host":         s.cfg.Host,
		"port":         s.cfg.Port,
		"defaultRoute": s.cfg.DefaultRoute,
		"routes":       s.cfg.Routes,
		"providers":    providers,
	})
}

func (s *Server) handleDebugRuntime(c *gin.Context) {
	failed := make(map[string]string)
	for key, err := range s.registry.Failed() {
		failed[key] = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"providerKeys": s.registry.ProviderKeys(),
		"failed":       failed,
		"stats":        s.stats.Summary(),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	keys := s.registry.ProviderKeys()
	sort.Strings(keys)
	data := make([]gin.H, 0, len(keys))
	seen := make(map[string]bool)
	for _, key := range keys {
		profile, ok := s.registry.Profile(key)
		if !ok || profile.DefaultModel == "" || seen[profile.DefaultModel] {
			continue
		}
		seen[profile.DefaultModel] = true
		data = append(data, gin.H{
			"id":       profile.DefaultModel,
			"object":   "model",
			"owned_by": profile.ProviderID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

const adminPage = `<!DOCTYPE html>
<html>
<head><title>RouteCodex</title></head>
<body>
<h1>RouteCodex</h1>
<p>Gateway is running. See <a href="/debug/runtime">/debug/runtime</a> and <a href="/config">/config</a>.</p>
</body>
</html>`

func (s *Server) handleAdminPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(adminPage))
}

// handleShutdown accepts loopback-only shutdown requests, acknowledges,
// then signals the process so the normal shutdown path runs.
func (s *Server) handleShutdown(c *gin.Context) {
	if !isLoopback(c.ClientIP()) {
		c.JSON(http.StatusForbidden, gin.H{"error": gin.H{"message": "shutdown is loopback-only", "type": "permission_error"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
			log.Errorf("shutdown signal failed: %v", err)
		}
	}()
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}
