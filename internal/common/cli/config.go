package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// fileEnvSuffix marks an environment variable holding the path of a file with the value, as mounted secrets are.
const fileEnvSuffix = "_FILE"

// InitViperConfig initializes the Viper configuration for a command.
//
// An explicit --config file wins. Otherwise a file named after the command is looked up in the
// working directory, /etc/<cmd>, /usr/local/etc/<cmd> and next to the executable.
//
// Environment variables are prefixed with the command name in upper snake case, and nested keys
// are separated by underscores: ACTIVITY_SYNC_WEB_SERVICE_BACKEND_DB_PASSWORD sets backend.db.password.
// Appending _FILE to a variable reads the value from the file it names instead.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		vip.SetConfigFile(f.Value.String())
	} else {
		vip.SetConfigName(cmdName)
		for _, p := range configSearchPaths(cmdName) {
			vip.AddConfigPath(p)
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file.\nWe will only use the defaults, env variables or flags.", "error", e)
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	return bindEnv(vip, envPrefix(cmdName))
}

func configSearchPaths(cmdName string) []string {
	paths := []string{".", "/etc/" + cmdName, "/usr/local/etc/" + cmdName}

	binPath, err := os.Executable()
	if err != nil {
		slog.Warn("Failed to get current executable path, not adding it as a config dir", "error", err)
		return paths
	}
	return append(paths, filepath.Dir(binPath))
}

func envPrefix(cmdName string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
}

// bindEnv binds every variable starting with prefix to its nested key.
//
// AutomaticEnv only resolves keys viper already knows about, which leaves nested struct fields
// absent from the config file invisible to Unmarshal.
func bindEnv(vip *viper.Viper, prefix string) error {
	for _, e := range os.Environ() {
		name, value, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		if envName, ok := strings.CutSuffix(name, fileEnvSuffix); ok {
			content, err := os.ReadFile(value)
			if err != nil {
				return fmt.Errorf("could not read %s: %w", name, err)
			}
			vip.Set(envKey(envName, prefix), strings.TrimSpace(string(content)))
			continue
		}

		if err := vip.BindEnv(envKey(name, prefix), name); err != nil {
			return fmt.Errorf("could not bind environment variable: %w", err)
		}
	}

	return nil
}

func envKey(name, prefix string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", "."))
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}
