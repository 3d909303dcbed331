package cmds

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/sketchsync/pkg/config"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
	"github.com/go-go-golems/sketchsync/pkg/remote"
	"github.com/go-go-golems/sketchsync/pkg/syncer"
	"github.com/go-go-golems/sketchsync/pkg/syncstream"
)

// NewSyncCommand builds the sync daemon command: it keeps the local store
// reconciled against a remote store until interrupted.
func NewSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync daemon against a remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("remote"); v != "" {
				settings.RemoteURL = v
			}
			if v, _ := cmd.Flags().GetString("user"); v != "" {
				settings.UserID = v
			}
			if v, _ := cmd.Flags().GetString("store"); v != "" {
				settings.StorePath = v
			}
			if settings.RemoteURL == "" {
				settings.RemoteURL = viper.GetString("REMOTE_URL")
			}
			if settings.UserID == "" {
				settings.UserID = viper.GetString("USER_ID")
			}
			return runSync(cmd.Context(), settings)
		},
	}
	cmd.Flags().String("remote", "", "Base URL of the remote store")
	cmd.Flags().String("user", "", "User id to sync as")
	cmd.Flags().String("store", "", "Path to the local sqlite store")
	return cmd
}

func runSync(ctx context.Context, settings config.Settings) error {
	logger := log.Logger

	if settings.RemoteURL == "" {
		return errors.New("sync: no remote URL configured")
	}
	if settings.UserID == "" {
		return errors.New("sync: no user id configured")
	}

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
	} else {
		store = convstore.NewInMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}()

	client, err := remote.NewHTTPClient(settings.RemoteURL, settings.UserID,
		remote.WithClientLogger(logger))
	if err != nil {
		return err
	}

	bus, err := syncstream.NewBus(settings.Redis, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing event bus")
		}
	}()

	coord := syncer.NewCoordinator(store, client, syncer.Options{
		UserID:            settings.UserID,
		PushDebounce:      settings.Sync.PushDebounce(),
		PostPushPullDelay: settings.Sync.PostPushPullDelay(),
		PullInterval:      settings.Sync.PullInterval(),
		PullLimit:         settings.Sync.PullLimit,
	}, syncer.WithBus(bus), syncer.WithLogger(logger))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord.Start(ctx)
	logger.Info().
		Str("remote", settings.RemoteURL).
		Str("user", settings.UserID).
		Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("sync daemon shutting down")
	coord.Close()
	return nil
}
