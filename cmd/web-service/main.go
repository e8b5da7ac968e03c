// Command web-service receives Strava webhook events into the work queue.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stravabronze/activity-sync/cmd/web-service/daemon"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
)

func main() {
	a, err := daemon.New()
	if err != nil {
		slog.Error("Failed to create the web service", "error", err)
		os.Exit(exitFailure)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit()
}

func run(a app) int {
	stop := handleSignals(a)
	defer stop()

	err := a.Run()
	if err == nil {
		return exitOK
	}

	slog.Error(err.Error())
	if a.UsageError() {
		return exitUsage
	}
	return exitFailure
}

// handleSignals quits a on SIGINT and SIGTERM, and on SIGHUP when Hup asks for it.
// stop unregisters the handler and waits for it to return.
func handleSignals(a app) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range sigs {
			if sig == syscall.SIGHUP && !a.Hup() {
				continue
			}
			a.Quit()
			return
		}
		slog.Debug("Signal channel closed")
	}()

	return func() {
		signal.Stop(sigs)
		close(sigs)
		<-done
	}
}
