// Command jailfsd serves a single directory tree over the jailfs line
// protocol. Clients can browse, create, rename, delete and upload inside
// the tree but never outside it.
package main

import (
	"context"
	"fmt"
	"jailfs/internal/config"
	"jailfs/internal/server"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jailfsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "jailfsd",
		Short:         "Jailed remote file-management server",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(config.New(), cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, settings *config.Settings) error {
	logger := log.New(os.Stdout, "[jailfsd] ", log.LstdFlags|log.Lmsgprefix)

	cfg := settings.ServerConfig()
	cfg.Logger = logger

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Printf("received signal, shutting down...")
		}
		srv.Shutdown()
		return nil
	})

	return g.Wait()
}
