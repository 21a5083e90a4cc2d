package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/synochat-relay/server/internal/core"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/provider"
	"github.com/synochat-relay/server/internal/transport"
	logx "github.com/synochat-relay/server/pkg/logger"
	pkgredis "github.com/synochat-relay/server/pkg/redis"
)

// AppConfig defines every configurable parameter of the relay, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis pkgredis.Config

	// Backend and chat platform
	ChatAPI  model.ChatAPIConfig
	Synology model.SynologyConfig

	Server       model.ServerConfig
	Conversation model.ConversationConfig
	HTTP         model.HTTPConfig
	RateLimit    model.RateLimitConfig
}

var envFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "synochat-relay",
		Short: "Relay Synology Chat messages to an LLM backend",
		Long: `synochat-relay receives Synology Chat outgoing-webhook events, keeps a short
rolling history per user, asks the configured AI backend for a reply and
posts it back through the incoming webhook.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to the .env file")

	root.AddCommand(serve)
	root.AddCommand(newCheckCmd())
	root.AddCommand(newProvidersCmd())
	return root
}

// app is the wiring shared by every command.
type app struct {
	cfg       AppConfig
	env       core.Environment
	metrics   *metrics.Metrics
	transport *transport.Client
	registry  *provider.Registry
}

// loadApp reads configuration and initialises logging. Configuration errors
// are returned and end the process.
func loadApp() (*app, error) {
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envFile, err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	env := core.ParseEnvironment(cfg.Environment)
	logx.Init(logx.LoggerOpts{Environment: env, Level: cfg.LogLevel})

	m := metrics.New()
	return &app{
		cfg:     cfg,
		env:     env,
		metrics: m,
		transport: transport.New(transport.Config{
			Timeout:    cfg.HTTP.TimeoutDuration(),
			MaxRetries: cfg.HTTP.MaxRetries,
			Metrics:    m,
		}),
		registry: newRegistry(),
	}, nil
}

func newRegistry() *provider.Registry {
	r := provider.NewRegistry()
	if err := r.Register(provider.KindGemini, provider.NewGemini); err != nil {
		logx.Fatal().Err(err).Msg("Failed to register gemini provider")
	}
	return r
}

// provider validates the chat API configuration and builds the backend.
func (a *app) provider() (provider.Provider, error) {
	if err := a.cfg.ChatAPI.Validate(); err != nil {
		logx.Error().Err(err).Msg("Configuration validation failed")
		return nil, err
	}
	p, err := a.registry.Create(a.cfg.ChatAPI, provider.Deps{Transport: a.transport, Metrics: a.metrics})
	if err != nil {
		logx.Error().Err(err).Str("type", a.cfg.ChatAPI.Type).Msg("Failed to create provider")
		return nil, err
	}
	return p, nil
}
