package daemon

import (
	"cmp"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stravabronze/activity-sync/internal/common/config"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type AppConfig = appConfig

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// NewForTests returns an App reading a generated config file, with args before its --config flag.
//
// Unset queue, object store and secrets point to temporary locations. dConf is written as the dynamic
// configuration unless conf already names one.
func NewForTests(t *testing.T, conf *AppConfig, dConf *config.Conf, args ...string) *App {
	t.Helper()

	var c appConfig
	if conf != nil {
		c = *conf
	}
	if c.ConfigPath == "" {
		c.ConfigPath = GenerateTestDaemonConfig(t, dConf)
	}
	c.Verbosity = cmp.Or(c.Verbosity, 2)
	c.MaxAttempts = cmp.Or(c.MaxAttempts, 3)
	c.Queue = cmp.Or(c.Queue, filepath.Join(t.TempDir(), "queue"))
	c.Backend.ObjectStore = cmp.Or(c.Backend.ObjectStore, filepath.Join(t.TempDir(), "objects"))
	c.Backend.SecretsPath = cmp.Or(c.Backend.SecretsPath, filepath.Join(t.TempDir(), "secrets.json"))
	c.Backend.CredentialsSecret = cmp.Or(c.Backend.CredentialsSecret, constants.DefaultCredentialsSecret)

	data, err := yaml.Marshal(c)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(append(args[:len(args):len(args)], "--config", writeTestFile(t, "testconfig.yaml", data)))
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
