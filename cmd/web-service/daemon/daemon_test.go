package daemon_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stravabronze/activity-sync/cmd/web-service/daemon"
	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/queue"
	"github.com/stravabronze/activity-sync/internal/webservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	tests := map[string]struct {
		file string
		env  map[string]string

		wantVerbosity   int
		wantQueue       string
		wantListenPort  int
		wantReadTimeout time.Duration
		wantDBHost      string
		wantErr         bool
	}{
		"Defaults without file nor environment": {wantListenPort: 8080, wantReadTimeout: 5 * time.Second},
		"File overrides defaults": {
			file:          "Verbosity: 1\nqueue: /tmp/spool\ndaemon:\n  listenport: 9090\n",
			wantVerbosity: 1, wantQueue: "/tmp/spool", wantListenPort: 9090, wantReadTimeout: 5 * time.Second,
		},
		"Environment overrides defaults": {
			env: map[string]string{
				"ACTIVITY_SYNC_WEB_SERVICE_DAEMON_READTIMEOUT": "1s",
				"ACTIVITY_SYNC_WEB_SERVICE_BACKEND_DB_HOST":    "db.example.com",
			},
			wantListenPort: 8080, wantReadTimeout: time.Second, wantDBHost: "db.example.com",
		},

		"Error on missing config file": {file: "-", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			a, err := daemon.New()
			require.NoError(t, err, "Setup: New should not return an error")
			a.SetOutput(io.Discard)
			args := []string{"version"}
			switch tc.file {
			case "":
			case "-":
				args = append(args, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
			default:
				p := filepath.Join(t.TempDir(), "conf.yaml")
				require.NoError(t, os.WriteFile(p, []byte(tc.file), 0600), "Setup: couldn't write config file")
				args = append(args, "--config", p)
			}
			a.SetArgs(args...)

			err = a.Run()
			if tc.wantErr {
				require.Error(t, err, "Run should fail on an unreadable config file")
				return
			}
			require.NoError(t, err, "Run should not return an error")

			c := a.Config()
			assert.Equal(t, tc.wantVerbosity, c.Verbosity, "unexpected verbosity")
			assert.Equal(t, tc.wantQueue, c.Queue, "unexpected queue")
			assert.Equal(t, tc.wantListenPort, c.Daemon.ListenPort, "unexpected listen port")
			assert.Equal(t, tc.wantReadTimeout, c.Daemon.ReadTimeout, "unexpected read timeout")
			assert.Equal(t, tc.wantDBHost, c.Backend.DB.Host, "unexpected database host")
		})
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		conf daemon.AppConfig
	}{
		"Missing daemon config": {conf: daemon.AppConfig{Daemon: webservice.StaticConfig{ConfigPath: "/does/not/exist.json"}}},
		"Unsupported queue":     {conf: daemon.AppConfig{Queue: "amqp://broker/events"}},
		"Sentry DSN is invalid": {conf: daemon.AppConfig{SentryDSN: "not a dsn"}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := daemon.NewForTests(t, &tc.conf, nil)

			chErr := make(chan error, 1)
			go func() {
				chErr <- a.Run()
			}()
			a.WaitReady()

			select {
			case err := <-chErr:
				require.Error(t, err, "Run should return with an error")
			case <-time.After(5 * time.Second):
				t.Fatal("Run should return once setup failed")
			}
			// Quit must not block once Run failed.
			a.Quit()
		})
	}
}

func TestUsageError(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		args []string

		wantErr   bool
		wantUsage bool
	}{
		"Known subcommand":         {args: []string{"completion", "bash"}},
		"Error on unknown flag":    {args: []string{"--no-such-flag"}, wantErr: true, wantUsage: true},
		"Error on version args":    {args: []string{"version", "extra"}, wantErr: true, wantUsage: true},
		"Error on unknown command": {args: []string{"doesnotexist"}, wantErr: true, wantUsage: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := daemon.New()
			require.NoError(t, err, "Setup: New should not return an error")
			a.SetOutput(io.Discard)
			a.SetArgs(tc.args...)

			err = a.Run()
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
			} else {
				require.NoError(t, err, "Run should not return an error")
			}
			assert.Equal(t, tc.wantUsage, a.UsageError(), "unexpected usage error report")
		})
	}
}

func TestHupAfterQuit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping Hup test on Windows")
	}

	a, wait := startDaemon(t, nil, nil)
	a.Quit()
	wait()

	out := captureStdout(t, func() {
		require.False(t, a.Hup(), "Hup should not ask to quit")
	})
	require.Contains(t, out, "goroutine", "Hup should print the stacks")
}

func TestAppServesVersion(t *testing.T) {
	t.Parallel()

	a, wait := startDaemon(t, nil, nil)
	defer wait()
	defer a.Quit()

	resp, err := http.Get(fmt.Sprintf("http://%s/version", a.Addr()))
	require.NoError(t, err, "GET /version should not fail")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "Reading the body should not fail")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), constants.Version)
}

func TestWebhookEventIsQueued(t *testing.T) {
	t.Parallel()

	spool := filepath.Join(t.TempDir(), "spool")
	conf := &daemon.AppConfig{Queue: spool}
	a, wait := startDaemon(t, conf, &config.Conf{VerifyToken: "s3cret"})

	event := `{"object_type":"activity","aspect_type":"create","object_id":7,"owner_id":1}`
	resp, err := http.Post(fmt.Sprintf("http://%s/strava-webhook", a.Addr()), "application/json", strings.NewReader(event))
	require.NoError(t, err, "POST /strava-webhook should not fail")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	a.Quit()
	wait()

	q, err := queue.Open(context.Background(), spool)
	require.NoError(t, err, "Setup: reopening the queue should not fail")
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := q.Receive(ctx)
	require.NoError(t, err, "The webhook event should be in the queue")
	require.JSONEq(t, event, string(msg.Payload), "Queued payload should be the received event")
	require.NoError(t, msg.Ack(ctx), "Teardown: ack should not fail")
}

func TestRootCmd(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")

	cmd := a.RootCmd()
	assert.Equal(t, constants.WebServiceCmdName, cmd.Name(), "unexpected command name")
	for _, f := range []string{"config", "daemon-config", "queue", "object-store", "bootstrap-timeout"} {
		assert.NotNil(t, cmd.Flag(f), "flag %q should be installed", f)
	}
}

// startDaemon prepares and starts the daemon in the background. The done function should be called
// to wait for the daemon to stop.
//
// The done function should be called in the main goroutine for the test.
func startDaemon(t *testing.T, conf *daemon.AppConfig, daeConf *config.Conf) (app *daemon.App, done func()) {
	t.Helper()

	a := daemon.NewForTests(t, conf, daeConf)

	chErr := make(chan error, 1)
	go func() {
		chErr <- a.Run()
	}()
	a.WaitReady()
	require.Eventually(t, func() bool { return a.Addr() != "" }, 5*time.Second, 10*time.Millisecond, "Setup: daemon should listen")

	return a, func() {
		err := <-chErr
		require.NoError(t, err, "Run should return without an error")
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	var out bytes.Buffer
	a.SetOutput(&out)
	a.SetArgs("version")

	require.NoError(t, a.Run(), "version should not fail")
	require.Equal(t, constants.WebServiceCmdName+"\t"+constants.Version+"\n", out.String(), "unexpected version output")
}

// captureStdout returns what f printed on the standard output.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err, "Setup: pipe shouldn't fail")

	orig := os.Stdout
	os.Stdout = w
	f()
	os.Stdout = orig
	require.NoError(t, w.Close(), "Teardown: closing the pipe should not fail")

	var out bytes.Buffer
	_, err = io.Copy(&out, r)
	require.NoError(t, err, "Couldn't copy stdout to buffer")
	return out.String()
}
