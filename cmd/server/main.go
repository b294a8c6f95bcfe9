package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/logging"
	"github.com/Tyrowin/teamchat/internal/membership"
	"github.com/Tyrowin/teamchat/internal/server"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:     "teamchat-server",
		Short:   "Team-scoped real-time chat relay",
		Version: Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), envFile)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the chat server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), envFile)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting teamchat server",
		zap.String("version", Version),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.StoreBackend),
		zap.String("membership", cfg.MembershipBackend),
	)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	dir, closeDir, err := openDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDir()

	srv, err := server.New(cfg, server.Deps{
		Store:         st,
		Directory:     dir,
		Authenticator: auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := <-errCh; err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "badger":
		return store.OpenBadger(cfg.BadgerPath, logger.Named("badger"))
	default:
		return store.NewMemoryStore(), nil
	}
}

func openDirectory(ctx context.Context, cfg config.Config) (membership.Directory, func(), error) {
	switch cfg.MembershipBackend {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		dir, err := membership.ConnectMongo(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dir.Close(closeCtx)
		}, nil
	default:
		dir, err := membership.LoadStaticDirectory(cfg.MembershipFile)
		if errors.Is(err, os.ErrNotExist) {
			return membership.NewStaticDirectory(), func() {}, nil
		}
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {}, nil
	}
}
