package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/repairdesk/internal/casesync"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/config"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/database"
	"github.com/MarcoPoloResearchLab/repairdesk/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const remoteRequestTimeout = 15 * time.Second

type syncOptions struct {
	once      bool
	setStatus string
}

func newSyncCommand(defaults *viper.Viper) *cobra.Command {
	options := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep a local offline copy of your cases in step with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, options)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("server-url", defaults.GetString("sync.server_url"), "Base URL of the case API")
	flags.String("identity", "", "Identity whose cases are synchronized")
	flags.String("token", "", "Bearer token for the identity")
	flags.String("cache-path", defaults.GetString("sync.cache_path"), "Path of the local SQLite cache")
	flags.Bool("write-through-status", defaults.GetBool("sync.write_through_status"), "Persist optimistic status updates to the local cache")

	bindFlag(cmd, "sync.server_url", "server-url")
	bindFlag(cmd, "sync.identity", "identity")
	bindFlag(cmd, "sync.token", "token")
	bindFlag(cmd, "sync.cache_path", "cache-path")
	bindFlag(cmd, "sync.write_through_status", "write-through-status")

	cmd.Flags().BoolVar(&options.once, "once", false, "Resync once, print the cases and exit")
	cmd.Flags().StringVar(&options.setStatus, "set-status", "", "Update one case status, formatted as id=status")
	return cmd
}

func runSync(cmd *cobra.Command, options *syncOptions) error {
	syncConfig, err := config.LoadSync(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(syncConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var assignment statusAssignment
	if options.setStatus != "" {
		assignment, err = parseStatusAssignment(options.setStatus)
		if err != nil {
			return err
		}
	}

	db, err := database.OpenLocal(syncConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := casesync.NewHealthMonitor(casesync.HealthMonitorConfig{
		BaseURL:  syncConfig.ServerURL,
		Interval: syncConfig.HealthInterval,
		Logger:   logger,
	})
	connectivity := monitor.Flag()
	monitor.Probe(ctx)

	store, err := casesync.NewGormStore(casesync.GormStoreConfig{
		Database:            db,
		Connectivity:        connectivity,
		PartitionByIdentity: syncConfig.PartitionByIdentity,
		Logger:              logger,
	})
	if err != nil {
		return err
	}

	tokens := casesync.StaticToken(syncConfig.Token)
	fetcher, err := casesync.NewHTTPFetcher(casesync.HTTPFetcherConfig{
		BaseURL:    syncConfig.ServerURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: remoteRequestTimeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	out := newConsoleOutput(cmd.OutOrStdout())
	coordinator, err := casesync.NewCoordinator(casesync.CoordinatorConfig{
		Store:              store,
		Fetcher:            fetcher,
		Connectivity:       connectivity,
		Acknowledger:       out,
		Logger:             logger,
		DebounceThreshold:  syncConfig.DebounceThreshold,
		SettleDelay:        syncConfig.SettleDelay,
		WriteThroughStatus: syncConfig.WriteThroughStatus,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	switch {
	case options.setStatus != "":
		coordinator.Initialize(ctx, syncConfig.Identity)
		if !coordinator.UpdateStatus(ctx, assignment.id, assignment.status) {
			return fmt.Errorf("status update for case %s was not applied", assignment.id)
		}
		out.printStatusUpdated(assignment.id, assignment.status)
		return nil
	case options.once:
		coordinator.Initialize(ctx, syncConfig.Identity)
		if connectivity.Online() {
			if err := coordinator.Resync(ctx); err != nil {
				return err
			}
		}
		out.printState(coordinator.State())
		return nil
	}

	feed, err := casesync.NewChangeFeed(casesync.ChangeFeedConfig{
		BaseURL:  syncConfig.ServerURL,
		Identity: syncConfig.Identity,
		Tokens:   tokens,
		Notify:   coordinator.OnChangeNotification,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	connectivity.OnChange(func(online bool) {
		if online {
			coordinator.OnChangeNotification()
		}
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		monitor.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return feed.Run(groupCtx)
	})
	group.Go(func() error {
		for state := range coordinator.Subscribe(groupCtx) {
			out.printState(state)
		}
		return nil
	})
	group.Go(func() error {
		coordinator.Initialize(groupCtx, syncConfig.Identity)
		return nil
	})

	logger.Info("sync client running",
		zap.String("server_url", syncConfig.ServerURL),
		zap.String("identity", syncConfig.Identity),
		zap.Bool("online", connectivity.Online()))

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type statusAssignment struct {
	id     string
	status casesync.Status
}

func parseStatusAssignment(value string) (statusAssignment, error) {
	id, label, found := strings.Cut(value, "=")
	id = strings.TrimSpace(id)
	label = strings.TrimSpace(label)
	if !found || id == "" || label == "" {
		return statusAssignment{}, fmt.Errorf("--set-status must be formatted as id=status, got %q", value)
	}
	for _, status := range []casesync.Status{
		casesync.StatusScheduled,
		casesync.StatusInProgress,
		casesync.StatusCompleted,
		casesync.StatusCancelled,
	} {
		if strings.EqualFold(label, status.String()) {
			return statusAssignment{id: id, status: status}, nil
		}
	}
	return statusAssignment{}, fmt.Errorf("unknown status %q", label)
}
