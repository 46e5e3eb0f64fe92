package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/logger"
	"github.com/memloom/memloom/pkg/server"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memloom HTTP server",
	Long: `Start the memloom HTTP server. The server accepts interaction turns,
answers structured and natural-language queries, hands out probes and
conversation starters, and streams graph mutations over a websocket.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "bind host (overrides config)")
	serveCmd.Flags().Int("port", 0, "bind port (overrides config)")
	serveCmd.Flags().String("driver", "", "graph driver: memory or neo4j (overrides config)")
	serveCmd.Flags().String("data-dir", "", "data directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	log := logger.New(cfg.Log)

	client, err := memloom.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	client.Start()

	srv := server.New(cfg, client, log)
	srv.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
		return client.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !isServerClosed(err) {
		return err
	}
	log.Info("memloom stopped")
	return nil
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("driver") {
		cfg.Storage.GraphDriver, _ = cmd.Flags().GetString("driver")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
}
