// Package daemon provides the web service daemon receiving Strava webhook events.
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stravabronze/activity-sync/internal/backend"
	"github.com/stravabronze/activity-sync/internal/common/cli"
	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/common/errreport"
	"github.com/stravabronze/activity-sync/internal/queue"
	"github.com/stravabronze/activity-sync/internal/webservice"
)

// App is the web-service command and the server it runs.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	// ready is closed once the server exists, or once run gave up creating it.
	ready chan struct{}
}

type appConfig struct {
	Verbosity int
	JSONLogs  bool

	SentryDSN         string
	SentryEnvironment string

	// Queue is the url of the queue webhook events are pushed to.
	Queue string

	Daemon  webservice.StaticConfig
	Backend backend.Config
}

// New builds the web-service command. Nothing runs until Run.
func New() (*App, error) {
	a := &App{viper: viper.New(), ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:               constants.WebServiceCmdName,
		Short:             "Strava activity sync web service",
		Long:              "Strava activity sync web service receives Strava webhook events into the work queue and runs the bootstrap sweep on request.",
		SilenceErrors:     true,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.loadConfig() },
		RunE: func(*cobra.Command, []string) error {
			a.cmd.SilenceUsage = true
			return a.run()
		},
	}
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	pf := a.cmd.PersistentFlags()
	pf.CountVarP(&a.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	pf.BoolVar(&a.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")
	cli.InstallConfigFlag(a.cmd)

	f := a.cmd.Flags()
	f.StringVar(&a.config.SentryDSN, "sentry-dsn", "", "Sentry DSN to report errors to, disabled when empty")
	f.StringVar(&a.config.SentryEnvironment, "sentry-environment", "", "environment reported to Sentry")
	f.StringVar(&a.config.Queue, "queue", "", "queue url: a spool directory, kafka://brokers/topic or pubsub://project/topic")
	webservice.AddFlags(f, &a.config.Daemon)
	backend.AddFlags(f, &a.config.Backend)
	if err := a.cmd.MarkFlagFilename("daemon-config"); err != nil {
		return nil, err
	}

	if err := a.viper.BindPFlags(pf); err != nil {
		return nil, err
	}
	a.installVersion()

	return a, nil
}

// loadConfig merges the config file and the environment into the flags.
func (a *App) loadConfig() error {
	// Arguments parsed fine: errors from now on are not usage errors.
	a.cmd.SilenceUsage = true

	cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
	if err := cli.InitViperConfig(constants.WebServiceCmdName, a.cmd, a.viper); err != nil {
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

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady blocks until the daemon is created or failed to be.
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

	if err := errreport.Init(errreport.Config{
		DSN:         a.config.SentryDSN,
		Environment: a.config.SentryEnvironment,
		Release:     constants.Version,
		ServerName:  constants.WebServiceCmdName,
	}); err != nil {
		return fmt.Errorf("failed to initialize error reporting: %v", err)
	}
	defer errreport.Flush(2 * time.Second)

	sc := a.config.Daemon
	if sc.ConfigPath, err = filepath.Abs(sc.ConfigPath); err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}

	ctx := context.Background()
	q, err := queue.Open(ctx, a.config.Queue)
	if err != nil {
		return fmt.Errorf("failed to open queue: %v", err)
	}
	defer func() { err = errors.Join(err, q.Close()) }()

	srv, err := webservice.New(ctx, config.New(sc.ConfigPath), q, backend.NewFactory(a.config.Backend), sc)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}
	a.daemon = srv
	markReady()

	return srv.Run()
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
