package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal"
	"github.com/tinyland-inc/txtchat/pkg/agent"
	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/health"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd(configPath string, debug bool) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.ConfigureLogging(cfg.Logging, debug)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthServer := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, func() (string, bool) {
		state := a.Manager().State()
		return string(state), state == chat.StateListening
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return healthServer.Stop(shutdownCtx)
	})

	fmt.Printf("%s Gateway started for %s (%s)\n", internal.Logo, cfg.Connection.URL, cfg.Connection.Provider)
	fmt.Printf("✓ Health endpoints available at http://%s:%d/health, /ready and /metrics\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	err = g.Wait()
	fmt.Println("✓ Gateway stopped")
	return err
}
