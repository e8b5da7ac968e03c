// Package constants is responsible for defining the constants used in the application.
// It also provides utility functions to get the default data and queue paths.
package constants

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// WebServiceCmdName is the name of the web service command.
	WebServiceCmdName = "activity-sync-web-service"

	// ReconcileServiceCmdName is the name of the reconcile service command.
	ReconcileServiceCmdName = "activity-sync-reconcile-service"
)

// DefaultLogLevel is the log level used when no verbosity is requested.
const DefaultLogLevel = slog.LevelWarn

// Service constants.
const (
	// DefaultServiceFolder is the name of the default root folder for services.
	DefaultServiceFolder = "activity-sync"

	// DefaultQueueFolder is the name of the default spool folder for the file queue.
	DefaultQueueFolder = "queue"

	// DefaultObjectsFolder is the name of the default folder for the local object store.
	DefaultObjectsFolder = "objects"

	// DefaultSecretsFile is the name of the default secrets file.
	DefaultSecretsFile = "secrets.json"

	// DefaultCredentialsSecret is the name of the secret holding the Strava client and token.
	DefaultCredentialsSecret = "secrets"

	// ActivityTable is the relational table holding reconciled activities.
	ActivityTable = "strava_activity_bronze"

	// BootstrapTriggerName is the only accepted value of the name parameter on the bootstrap trigger.
	BootstrapTriggerName = "initialize"
)

// Service variables.
var (
	// DefaultServiceDataDir is the default data directory for services.
	DefaultServiceDataDir = DefaultServiceFolder

	// DefaultQueueDir is the default spool directory of the file queue.
	DefaultQueueDir = filepath.Join(DefaultServiceDataDir, DefaultQueueFolder)

	// DefaultObjectsDir is the default root of the local object store.
	DefaultObjectsDir = filepath.Join(DefaultServiceDataDir, DefaultObjectsFolder)

	// DefaultSecretsPath is the default path of the secrets file.
	DefaultSecretsPath = filepath.Join(DefaultServiceDataDir, DefaultSecretsFile)
)

func init() {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		panic(fmt.Sprintf("Could not fetch cache directory: %v", err))
	}

	DefaultServiceDataDir = filepath.Join(userCacheDir, DefaultServiceFolder)
	DefaultQueueDir = filepath.Join(DefaultServiceDataDir, DefaultQueueFolder)
	DefaultObjectsDir = filepath.Join(DefaultServiceDataDir, DefaultObjectsFolder)
	DefaultSecretsPath = filepath.Join(DefaultServiceDataDir, DefaultSecretsFile)
}
