package daemon

import (
	"cmp"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type AppConfig = appConfig

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// Addr returns the address the daemon listens on, or an empty string when not started.
func (a *App) Addr() string {
	if a.daemon == nil {
		return ""
	}
	return a.daemon.Addr()
}

// NewForTests returns an App reading a generated config file, followed by args.
//
// Ports are left to 0 so that parallel daemons do not collide, and the queue and object store
// point to temporary directories when unset. dConf is written as the dynamic configuration
// unless conf already names one.
func NewForTests(t *testing.T, conf *AppConfig, dConf *config.Conf, args ...string) *App {
	t.Helper()

	var c appConfig
	if conf != nil {
		c = *conf
	}
	if c.Daemon.ConfigPath == "" {
		c.Daemon.ConfigPath = GenerateTestDaemonConfig(t, dConf)
	}
	c.Verbosity = cmp.Or(c.Verbosity, 2)
	c.Queue = cmp.Or(c.Queue, filepath.Join(t.TempDir(), "queue"))
	c.Backend.ObjectStore = cmp.Or(c.Backend.ObjectStore, filepath.Join(t.TempDir(), "objects"))
	c.Daemon.RequestTimeout = cmp.Or(c.Daemon.RequestTimeout, 3*time.Second)
	c.Daemon.MaxBodyBytes = cmp.Or(c.Daemon.MaxBodyBytes, 1<<20)
	c.Daemon.BootstrapTimeout = cmp.Or(c.Daemon.BootstrapTimeout, 10*time.Second)

	data, err := yaml.Marshal(c)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(append([]string{"--config", writeTestFile(t, "testconfig.yaml", data)}, args...))
	return a
}

// GenerateTestDaemonConfig writes dConf, or an empty configuration when nil, and returns its path.
func GenerateTestDaemonConfig(t *testing.T, dConf *config.Conf) string {
	t.Helper()

	data, err := json.Marshal(cmp.Or(dConf, &config.Conf{}))
	require.NoError(t, err, "Setup: failed to marshal dynamic config for tests")
	return writeTestFile(t, "daemon-testconfig.json", data)
}

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0600), "Setup: failed to write %s", name)
	return p
}

// SetArgs sets the arguments of the next Run.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetOutput redirects the output of the commands.
func (a *App) SetOutput(w io.Writer) {
	a.cmd.SetOut(w)
}
