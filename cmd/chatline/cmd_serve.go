package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/chatline/internal/conversation"
	"github.com/comigor/chatline/internal/llm"
	"github.com/comigor/chatline/internal/logger"
	transporthttp "github.com/comigor/chatline/internal/transport/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	backend := llm.NewOpenAI(llm.Options{HandshakeTimeout: cfg.LLM.HandshakeTimeout})
	conv := conversation.New(repo, repo, backend, conversation.WithLogger(logger.L))
	e := transporthttp.NewServer(conv, repo, backend, logger.L)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.L.Info("starting server", "address", cfg.Server.Addr(), "database", cfg.Database.Driver)
		if err := e.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.L.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		// Replies still being generated get to finish and persist.
		drained := make(chan error, 1)
		go func() { drained <- conv.Wait() }()
		select {
		case err := <-drained:
			return err
		case <-shutdownCtx.Done():
			logger.L.Warn("turns still running at shutdown, their replies may be lost")
			return nil
		}
	})
	return g.Wait()
}
