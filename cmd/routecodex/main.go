// Package main is the RouteCodex gateway entry point. It terminates
// OpenAI, Anthropic, and Responses protocol requests and dispatches them
// to configured upstream providers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/app"
	"github.com/routecodex/routecodex/internal/buildinfo"
	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/provider"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  string
		loginID     string
		noBrowser   bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", defaultConfigPath(), "Path to the configuration file")
	flag.StringVar(&loginID, "login", "", "Run the OAuth login flow for the named provider and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Do not open the system browser during login")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("RouteCodex %s (%s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// A missing .env is fine; explicit env always wins.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := app.New(ctx, configPath, buildinfo.Version)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	if loginID != "" {
		runLogin(ctx, gateway, loginID, noBrowser)
		return
	}

	settings := config.LoadSettings()
	if settings.StartupHoldMs > 0 {
		log.Debugf("startup hold: %dms", settings.StartupHoldMs)
	}

	log.Infof("RouteCodex %s starting", buildinfo.Version)
	if err := gateway.Run(ctx); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}

func runLogin(ctx context.Context, gateway *app.App, providerID string, noBrowser bool) {
	settings := config.LoadSettings()
	token, err := gateway.Tokens().Login(ctx, provider.OAuthAuthID(providerID), oauth.LoginOptions{
		CallbackPort: settings.OAuthCallbackPort,
		NoBrowser:    noBrowser,
		Timeout:      5 * time.Minute,
	})
	if err != nil {
		log.Fatalf("login failed for %s: %v", providerID, err)
	}
	log.Infof("login succeeded for %s, token valid until %s", providerID, token.ExpiresAt().Format(time.RFC3339))
}

func defaultConfigPath() string {
	if env := os.Getenv("ROUTECODEX_CONFIG"); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".routecodex", "config.yaml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "config.yaml"
}
