package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/synochat-relay/server/internal/bot"
	"github.com/synochat-relay/server/internal/conversation"
	"github.com/synochat-relay/server/internal/notify"
	"github.com/synochat-relay/server/internal/ratelimit"
	"github.com/synochat-relay/server/internal/server"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Validate configuration, probe the backend and serve the webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	cfg := a.cfg
	if err := cfg.Conversation.Validate(); err != nil {
		return err
	}
	if cfg.Synology.OutgoingWebhookToken == "" {
		logx.Warn().Msg("SYNOLOGY_OUTGOING_WEBHOOK_TOKEN is empty; only events without a token will be accepted")
	}

	p, err := a.provider()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logx.Info().Str("provider", p.Name()).Msg("Testing backend connectivity")
	if res := p.TestConnection(ctx); !res.Success {
		logx.Error().
			Str("error", res.Error).
			Interface("details", res.Details).
			Msg("Backend connectivity test failed")
		return fmt.Errorf("backend connectivity test failed: %s", res.Error)
	}
	logx.Info().Msg("Backend connectivity test passed")

	var counter ratelimit.Counter
	if cfg.RateLimit.PerMinute > 0 && cfg.Redis.Enabled() {
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			logx.Error().Err(err).Msg("Failed to initialise Redis client")
			return err
		}
		defer rdb.Close()
		counter = rdb
	}

	store := conversation.NewStore(cfg.Conversation, conversation.WithMetrics(a.metrics))
	manager := bot.NewChatManager(p, store, notify.NewSynology(cfg.Synology.IncomingWebhookURL, a.transport), bot.Options{
		Token:      cfg.Synology.OutgoingWebhookToken,
		TypingText: cfg.Conversation.TypingText,
		Limiter:    ratelimit.New(cfg.RateLimit, counter, cfg.Redis.KeyPrefix),
		Metrics:    a.metrics,
	})
	srv := server.New(manager, a.metrics, server.Info{
		Environment: a.env.String(),
		Debug:       cfg.Server.Debug,
		Model:       cfg.ChatAPI.Model,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logx.Error().Err(err).Str("addr", addr).Msg("Failed to listen")
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logx.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the backend connectivity probe once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			p, err := a.provider()
			if err != nil {
				return err
			}

			res := p.TestConnection(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("backend connectivity test failed: %s", res.Error)
			}
			return nil
		},
	}
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the supported backend kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, kind := range newRegistry().Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	}
}
