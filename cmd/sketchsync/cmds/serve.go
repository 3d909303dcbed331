package cmds

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sketchsync/pkg/config"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
	"github.com/go-go-golems/sketchsync/pkg/remote"
)

// NewServeCommand builds the reference remote-store server command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote store server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				settings.ListenAddr = addr
			}
			if path, _ := cmd.Flags().GetString("store"); path != "" {
				settings.StorePath = path
			}
			if env := viper.GetString("STORE_PATH"); env != "" && settings.StorePath == "" {
				settings.StorePath = env
			}
			return runServe(cmd.Context(), settings)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().String("store", "", "Path to the sqlite store (empty for in-memory)")
	return cmd
}

func runServe(ctx context.Context, settings config.Settings) error {
	logger := log.Logger

	var store convstore.Store
	if settings.StorePath != "" {
		dsn, err := convstore.DSNForFile(settings.StorePath)
		if err != nil {
			return err
		}
		sqliteStore, err := convstore.NewSQLiteStore(dsn)
		if err != nil {
			return err
		}
		store = sqliteStore
		logger.Info().Str("path", settings.StorePath).Msg("using sqlite store")
	} else {
		store = convstore.NewInMemoryStore()
		logger.Info().Msg("using in-memory store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}()

	mux := http.NewServeMux()
	remote.NewServer(store, logger).Register(mux)

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", settings.ListenAddr).Msg("remote store server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("remote store server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
