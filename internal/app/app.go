// Package app assembles the gateway: configuration, credential layers,
// provider registry, routing engine, executor, and HTTP server.
package app

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/routecodex/routecodex/internal/api"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/credential"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/llmswitch"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/secret"
	"github.com/routecodex/routecodex/internal/state"
	"github.com/routecodex/routecodex/internal/usage"
	"github.com/routecodex/routecodex/internal/watcher"
)

// App owns every long-lived component of the gateway process.
type App struct {
	configPath string
	cfg        *config.Config
	settings   config.Settings
	version    string

	secrets   *secret.Resolver
	tokens    *oauth.Manager
	creds     *credential.Resolver
	registry  *provider.Registry
	quota     *state.QuotaStore
	health    *state.HealthStore
	routing   state.RoutingStore
	persister *state.FilePersister
	stats     *hub.Stats
	usage     *usage.Manager
	totals    *usage.Aggregator
	router    *llmswitch.Router
	converter *llmswitch.Converter
	executor  *hub.Executor
	server    *api.Server
	watcher   *watcher.Watcher
}

// New loads configuration and constructs the full component graph.
func New(ctx context.Context, configPath, version string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	settings := config.LoadSettings()
	logging.Setup(cfg.Debug, cfg.LogFile)

	a := &App{
		configPath: configPath,
		cfg:        cfg,
		settings:   settings,
		version:    version,
	}

	a.tokens = oauth.NewManager()
	if err := a.registerOAuthProviders(cfg); err != nil {
		return nil, err
	}
	a.secrets = secret.NewResolver(cfg.AuthFiles, a.tokens)
	a.creds = credential.NewResolver(a.secrets, a.tokens)

	a.health = state.NewHealthStore()
	a.quota = state.NewQuotaStore(settings.QuotaEnabled)
	a.registry = provider.NewRegistry(a.health)

	profiles, err := provider.BuildRuntimeProfiles(cfg)
	if err != nil {
		return nil, err
	}
	a.registry.Initialize(ctx, profiles, a.creds)
	a.registerQuota(profiles)

	serverDir := state.ServerDir(settings.SessionDir, cfg.Host, cfg.Port)
	a.persister = state.NewFilePersister(serverDir)
	if a.routing, err = a.buildRoutingStore(ctx, cfg); err != nil {
		return nil, err
	}

	a.stats = hub.NewStats()
	a.usage = usage.NewManager()
	a.totals = usage.NewAggregator()
	a.usage.Register(a.totals)

	a.router = llmswitch.NewRouter(routeTable(cfg), a.registry, a.quota, a.health, a.routing)
	a.router.SetPolicyMode(settings.HubPolicyMode)
	a.converter = llmswitch.NewConverter()
	a.executor = hub.NewExecutor(hub.Dependencies{
		Registry:  a.registry,
		Router:    a.router,
		Converter: a.converter,
		Stats:     a.stats,
		Quota:     a.quota,
		Health:    a.health,
		Settings:  settings,
		Usage:     a.usage,
	})
	a.server = api.NewServer(api.Options{
		Config:   cfg,
		Settings: settings,
		Executor: a.executor,
		Registry: a.registry,
		Stats:    a.stats,
		Version:  version,
	})
	if a.watcher, err = watcher.New(configPath, a.applyReload); err != nil {
		log.Warnf("config watcher unavailable: %v", err)
		a.watcher = nil
	}
	return a, nil
}

// Converter exposes the engine for server-tool registration.
func (a *App) Converter() *llmswitch.Converter { return a.converter }

// Tokens exposes the OAuth manager for login flows.
func (a *App) Tokens() *oauth.Manager { return a.tokens }

// Run serves until ctx is cancelled, then flushes state and tears the
// component graph down.
func (a *App) Run(ctx context.Context) error {
	a.usage.Start(ctx)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.server.Run(gctx) })
	if a.watcher != nil {
		group.Go(func() error {
			err := a.watcher.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	err := group.Wait()
	a.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (a *App) shutdown() {
	a.persister.PersistQuota(a.quota.Snapshot())
	a.persister.PersistHealth(a.health.Snapshot())
	a.persister.PersistStats(a.stats.Summary())
	a.usage.Stop()
	a.routing.Close()
	a.tokens.Close()
	a.registry.Dispose()
	log.Info("gateway stopped")
}

// applyReload swaps providers and routes in place. Listener changes need a
// restart and are logged, not applied.
func (a *App) applyReload(cfg *config.Config) error {
	if cfg.Host != a.cfg.Host || cfg.Port != a.cfg.Port {
		log.Warn("reload: host/port changes require a restart; keeping current listener")
	}
	if err := a.registerOAuthProviders(cfg); err != nil {
		return err
	}
	profiles, err := provider.BuildRuntimeProfiles(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.registry.Initialize(ctx, profiles, a.creds)
	a.registerQuota(profiles)
	a.router.SetTable(routeTable(cfg))
	a.secrets.ClearCache()
	a.cfg = cfg
	return nil
}

func (a *App) registerOAuthProviders(cfg *config.Config) error {
	for id, p := range cfg.Providers {
		if p.Auth.Type != string(provider.AuthOAuth) {
			continue
		}
		tokenFile := p.Auth.TokenFile
		if tokenFile == "" {
			tokenFile = filepath.Join(a.settings.SessionDir, "oauth", id+".json")
		}
		err := a.tokens.Register(provider.OAuthAuthID(id), oauth.Config{
			ClientID:         p.Auth.ClientID,
			ClientSecret:     p.Auth.ClientSecret,
			TokenURL:         p.Auth.TokenURL,
			DeviceCodeURL:    p.Auth.DeviceCodeURL,
			AuthorizationURL: p.Auth.AuthorizationURL,
			RefreshURL:       p.Auth.RefreshURL,
			UserInfoURL:      p.Auth.UserInfoURL,
			Scopes:           p.Auth.Scopes,
			TokenFile:        tokenFile,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerQuota(profiles map[string]provider.RuntimeProfile) {
	for key, profile := range profiles {
		a.quota.Register(key, state.QuotaStatic{AuthType: string(profile.AuthKind)})
	}
}

func (a *App) buildRoutingStore(ctx context.Context, cfg *config.Config) (state.RoutingStore, error) {
	if cfg.State.Backend == "postgres" {
		store, err := state.NewPostgresRoutingStore(ctx, cfg.State.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	memory := state.NewMemoryRoutingStore(a.persister)
	memory.Preload(a.persister.LoadSessions())
	return memory, nil
}

func routeTable(cfg *config.Config) llmswitch.RouteTable {
	return llmswitch.RouteTable{
		Routes:         cfg.Routes,
		DefaultRoute:   cfg.DefaultRoute,
		EndpointRoutes: cfg.EndpointRoutes,
	}
}
