package main

import (
	"context"
	"log/slog"

	"github.com/matta/fastintercom/internal/config"
	"github.com/matta/fastintercom/internal/intercom"
	"github.com/matta/fastintercom/internal/intercomhttp"
	"github.com/matta/fastintercom/internal/logging"
	"github.com/matta/fastintercom/internal/mcp"
	"github.com/matta/fastintercom/internal/notify"
	"github.com/matta/fastintercom/internal/persist"
	"github.com/matta/fastintercom/internal/sync"
	"github.com/matta/fastintercom/internal/tracehttp"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Automatic initial syncs fetch at most this many days.  init, run by
// hand, is not limited.
const autoInitialDays = 30

type appOptions struct {
	// Fail unless an access token is configured.
	requireToken bool

	// Log to stderr as well as the log file.
	stderr bool

	policy  sync.BusyPolicy
	daysCap int
}

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error

	client *intercom.Client
	db     *persist.DB
	pub    *notify.Publisher
	svc    *sync.Service
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.WithConfigDir(flags.configDir), config.WithFlags(cmd.Flags()))
	if err != nil {
		return nil, errors.Wrap(err, "unable to load configuration")
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, o appOptions) (a *app, err error) {
	if err := cfg.Validate(o.requireToken); err != nil {
		return nil, err
	}
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.log, a.closeLog, err = logging.Setup(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Stderr:  o.stderr,
		Verbose: flags.verbose,
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to set up logging")
	}

	if flags.trace {
		tracehttp.WrapDefaultTransport(a.log)
	}
	if cfg.IntercomToken != "" {
		hc, err := intercomhttp.New(cfg.IntercomToken, nil, cfg.APITimeout())
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize Intercom HTTP client")
		}
		a.client = intercom.New(hc,
			intercom.WithLogger(a.log),
			intercom.WithNewOnly(cfg.SyncMode == config.SyncModeNewOnly),
		)
	}

	a.db, err = persist.Open(ctx, cfg.DatabasePath,
		persist.WithPoolSize(cfg.DBPoolSize),
		persist.WithLogger(a.log),
		persist.WithVerboseMigrations(flags.verbose),
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}

	if a.client == nil {
		return a, nil
	}

	sc := sync.DefaultConfig()
	sc.MaxConcurrent = cfg.MaxConcurrentFetches
	opts := []sync.ServiceOption{
		sync.WithCoordinatorConfig(sc),
		sync.WithBusyPolicy(o.policy),
		sync.WithFreshness(cfg.MaxSyncAge()),
		sync.WithInitialDaysCap(o.daysCap),
		sync.WithLogger(a.log),
	}
	if cfg.NATSURL != "" {
		a.pub, err = notify.NewPublisher(cfg.NATSURL, notify.DefaultPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize notifications")
		}
		if err := a.pub.EnsureStream(ctx); err != nil {
			return nil, errors.Wrap(err, "unable to initialize notifications")
		}
		opts = append(opts, sync.WithNotifier(a.pub))
	}
	a.svc = sync.NewService(a.client, a.db, opts...)
	return a, nil
}

func (a *app) mcpServer() *mcp.Server {
	return mcp.New(a.db, a.svc,
		mcp.WithLogger(a.log),
		mcp.WithVersion(version),
		mcp.WithAppID(a.client.AppID),
	)
}

// background runs the scheduler until ctx is done.  An empty store gets
// an initial sync first.
func (a *app) background(ctx context.Context) {
	st, err := a.db.Status(ctx)
	if err != nil {
		a.log.ErrorContext(ctx, "unable to read store status", "err", err)
	} else if st.Conversations == 0 && st.LastSync.IsZero() {
		a.log.InfoContext(ctx, "no local data, running initial sync", "days", a.cfg.InitialSyncDays)
		if _, err := a.svc.SyncInitial(ctx, a.cfg.InitialSyncDays); err != nil && ctx.Err() == nil {
			a.log.ErrorContext(ctx, "initial sync failed", "err", err)
		}
	}
	s := sync.NewScheduler(a.svc, a.cfg.BackgroundSyncInterval(), sync.WithSchedulerLogger(a.log))
	if err := s.Run(ctx); err != nil {
		a.log.ErrorContext(ctx, "background sync stopped", "err", err)
	}
}

func (a *app) Close() error {
	var err error
	if a.pub != nil {
		a.pub.Close()
	}
	if a.db != nil {
		err = a.db.Close()
	}
	if a.closeLog != nil {
		if cerr := a.closeLog(); err == nil {
			err = cerr
		}
	}
	return err
}
