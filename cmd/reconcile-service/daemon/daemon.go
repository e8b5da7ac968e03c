// Package daemon provides the reconcile service daemon applying queued Strava change events.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stravabronze/activity-sync/internal/backend"
	"github.com/stravabronze/activity-sync/internal/common/cli"
	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/common/errreport"
	"github.com/stravabronze/activity-sync/internal/common/metrics"
	"github.com/stravabronze/activity-sync/internal/queue"
	"github.com/stravabronze/activity-sync/internal/reconcile"
	"github.com/stravabronze/activity-sync/internal/reconcile/workers"
	"github.com/stravabronze/activity-sync/internal/reconciler"
)

// App is the reconcile-service command and the service it runs.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *reconcile.Service

	// ctx bounds the one-shot subcommands. It is canceled on Quit.
	ctx    context.Context
	cancel context.CancelFunc

	ready chan struct{}
}

type appConfig struct {
	Verbosity int
	JSONLogs  bool

	SentryDSN         string
	SentryEnvironment string

	// Queue is the url of the queue change events are consumed from.
	Queue       string
	MaxAttempts int

	MetricsConfig metrics.Config
	Backend       backend.Config
	MigrationsDir string

	ConfigPath string
}

// New builds the reconcile-service command and its subcommands. Nothing runs until Run.
func New() (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{viper: viper.New(), ctx: ctx, cancel: cancel, ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:               constants.ReconcileServiceCmdName,
		Short:             "Strava activity sync reconcile service",
		Long:              "Strava activity sync reconcile service consumes queued webhook events and mirrors the activities into PostgreSQL and the object store.",
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.loadConfig() },
		RunE: func(*cobra.Command, []string) error {
			a.cmd.SilenceUsage = true
			return a.run()
		},
	}
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	// The stores and Strava are reached by the daemon and by the one-shot subcommands.
	pf := a.cmd.PersistentFlags()
	pf.CountVarP(&a.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	pf.BoolVar(&a.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")
	pf.StringVar(&a.config.SentryDSN, "sentry-dsn", "", "Sentry DSN to report errors to, disabled when empty")
	pf.StringVar(&a.config.SentryEnvironment, "sentry-environment", "", "environment reported to Sentry")
	backend.AddFlags(pf, &a.config.Backend)
	cli.InstallConfigFlag(a.cmd)

	f := a.cmd.Flags()
	f.StringVarP(&a.config.ConfigPath, "daemon-config", "c", "", "path to the dynamic JSON configuration file")
	f.StringVar(&a.config.Queue, "queue", "", "queue url: a spool directory, kafka://brokers/topic?group=name or pubsub://project/topic?subscription=name")
	f.IntVar(&a.config.MaxAttempts, "max-attempts", 5, "deliveries of a message before it is dead-lettered")
	metrics.AddFlags(f, &a.config.MetricsConfig, 2113)
	if err := a.cmd.MarkFlagFilename("daemon-config"); err != nil {
		return nil, err
	}

	installMigrateCmd(a)
	installBootstrapCmd(a)
	a.installVersion()

	if err := a.viper.BindPFlags(pf); err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig merges the config file and the environment into the flags.
func (a *App) loadConfig() error {
	// Arguments parsed fine: errors from now on are not usage errors.
	a.cmd.SilenceUsage = true

	cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
	if err := cli.InitViperConfig(constants.ReconcileServiceCmdName, a.cmd, a.viper); err != nil {
		return err
	}
	if err := a.viper.Unmarshal(&a.config); err != nil {
		return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
	}
	cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)

	slog.Info("got app config", "config", a.config.redacted())
	return nil
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError reports whether the last error came from parsing the command line.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup dumps the stacks of all goroutines. The daemon keeps running.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	fmt.Printf("%s", buf[:n])
	return false
}

// Quit gracefully shuts down the daemon, or interrupts the running subcommand.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
	a.cancel()
}

// WaitReady blocks until the daemon is created, or until the command gave up or ran its course.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns a copy of the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	markReady := sync.OnceFunc(func() { close(a.ready) })
	defer markReady()

	if err := a.initErrReport(); err != nil {
		return err
	}
	defer errreport.Flush(2 * time.Second)

	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.ConfigPath)
	if err := cm.Load(); err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	ctx := context.Background()
	q, err := queue.Open(ctx, a.config.Queue, queue.WithMaxAttempts(a.config.MaxAttempts))
	if err != nil {
		return fmt.Errorf("failed to open queue: %v", err)
	}
	defer func() { err = errors.Join(err, q.Close()) }()

	session, err := backend.NewFactory(a.config.Backend).Open(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, session.Close()) }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rec, err := session.Reconciler(reconciler.WithPolicy(cm), reconciler.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %v", err)
	}

	workerPool, err := workers.New(cm, q, rec, registry)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry)

	a.daemon = reconcile.New(ctx, workerPool, metricsServer)
	markReady()

	return a.daemon.Run()
}

func (a *App) initErrReport() error {
	err := errreport.Init(errreport.Config{
		DSN:         a.config.SentryDSN,
		Environment: a.config.SentryEnvironment,
		Release:     constants.Version,
		ServerName:  constants.ReconcileServiceCmdName,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize error reporting: %v", err)
	}
	return nil
}

// redacted returns a copy of the configuration safe to log.
func (c appConfig) redacted() appConfig {
	if c.Backend.DB.Password != "" {
		c.Backend.DB.Password = "***"
	}
	if c.SentryDSN != "" {
		c.SentryDSN = "***"
	}
	return c
}
