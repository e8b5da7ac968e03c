// Package backend opens the collaborators a reconciliation needs: the relational store, the
// object store and the Strava connector. A Session owns them until it is closed.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/stravabronze/activity-sync/internal/bootstrap"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/database"
	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/stravabronze/activity-sync/internal/objectstore"
	"github.com/stravabronze/activity-sync/internal/reconciler"
	"github.com/stravabronze/activity-sync/internal/secrets"
	"github.com/stravabronze/activity-sync/internal/strava"
	"github.com/ubuntu/decorate"
	"golang.org/x/time/rate"
)

// Config holds the settings to reach the stores and Strava.
type Config struct {
	DB database.Config

	// ObjectStore is the object store url: a directory or gs://bucket/prefix.
	ObjectStore string

	SecretsPath       string
	CredentialsSecret string

	StravaBaseURL  string
	StravaTokenURL string
	// StravaInterval is the minimum delay between Strava requests once the burst is spent.
	StravaInterval time.Duration
	StravaBurst    int
	LenientSchema  bool
}

// AddFlags registers the backend flags on fs, with their defaults written to cfg.
func AddFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DB.Host, "db-host", "", "database host")
	fs.IntVarP(&cfg.DB.Port, "db-port", "p", 5432, "database port")
	fs.StringVarP(&cfg.DB.User, "db-user", "u", "", "database user")
	fs.StringVarP(&cfg.DB.Password, "db-password", "P", "", "database password")
	fs.StringVarP(&cfg.DB.DBName, "db-name", "n", "", "database name")
	fs.StringVarP(&cfg.DB.SSLMode, "db-sslmode", "s", "", "database SSL mode")

	fs.StringVar(&cfg.ObjectStore, "object-store", constants.DefaultObjectsDir, "object store directory or gs://bucket/prefix url")

	fs.StringVar(&cfg.SecretsPath, "secrets-file", constants.DefaultSecretsPath, "path to the JSON secrets file")
	fs.StringVar(&cfg.CredentialsSecret, "credentials-secret", constants.DefaultCredentialsSecret, "name of the secret holding the Strava client and token")

	fs.StringVar(&cfg.StravaBaseURL, "strava-api-url", strava.DefaultBaseURL, "root of the Strava API")
	fs.StringVar(&cfg.StravaTokenURL, "strava-token-url", strava.DefaultTokenURL, "Strava OAuth token endpoint")
	fs.DurationVar(&cfg.StravaInterval, "strava-interval", 9*time.Second, "minimum delay between Strava requests once the burst is spent, 0 to disable pacing")
	fs.IntVar(&cfg.StravaBurst, "strava-burst", 100, "number of Strava requests allowed without pacing")
	fs.BoolVar(&cfg.LenientSchema, "lenient-schema", false, "accept unknown fields in Strava documents")
}

// DB is the relational store of a session.
type DB interface {
	Insert(ctx context.Context, rec models.ActivityRecord) error
	Delete(ctx context.Context, id int64) (bool, error)
	ResetSchema(ctx context.Context) error
	Close() error
}

// Factory opens sessions sharing a single Strava request pace.
type Factory struct {
	cfg     Config
	limiter *rate.Limiter
	opts    options
}

type options struct {
	openDB      func(ctx context.Context, cfg database.Config) (DB, error)
	objectsOpts []objectstore.Options
}

// Options represents an optional function to override Factory default values.
type Options func(*options)

// WithObjectStoreOptions passes options to the object store of every session.
func WithObjectStoreOptions(opts ...objectstore.Options) Options {
	return func(o *options) {
		o.objectsOpts = append(o.objectsOpts, opts...)
	}
}

// NewFactory returns a Factory opening sessions described by cfg.
func NewFactory(cfg Config, args ...Options) *Factory {
	opts := options{
		openDB: func(ctx context.Context, cfg database.Config) (DB, error) {
			return database.New(ctx, cfg)
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Factory{
		cfg:     cfg,
		limiter: strava.NewRateLimiter(cfg.StravaInterval, cfg.StravaBurst),
		opts:    opts,
	}
}

// Session holds open connections to the stores and the means to reach Strava.
type Session struct {
	DB      DB
	Objects objectstore.Store
	Strava  *strava.Connector
}

// Open connects to the stores. The caller must Close the session.
func (f *Factory) Open(ctx context.Context) (s *Session, err error) {
	defer decorate.OnError(&err, "could not open backend session")

	objects, err := objectstore.Open(ctx, f.cfg.ObjectStore, f.opts.objectsOpts...)
	if err != nil {
		return nil, err
	}

	db, err := f.opts.openDB(ctx, f.cfg.DB)
	if err != nil {
		return nil, errors.Join(err, objects.Close())
	}

	store := secrets.NewFileStore(f.cfg.SecretsPath)
	conn := strava.NewConnector(store,
		strava.WithBaseURL(f.cfg.StravaBaseURL),
		strava.WithTokenURL(f.cfg.StravaTokenURL),
		strava.WithRateLimiter(f.limiter),
		strava.WithDecoder(models.Decoder{Lenient: f.cfg.LenientSchema}),
		strava.WithSecretName(f.cfg.CredentialsSecret),
	)

	return &Session{DB: db, Objects: objects, Strava: conn}, nil
}

// Connector returns the Strava connector of the session as a reconciler source.
func (s *Session) Connector() reconciler.Connector {
	return reconciler.ConnectorFunc(func(ctx context.Context) (reconciler.Fetcher, error) {
		c, err := s.Strava.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Reconciler returns a reconciler writing to the session stores.
func (s *Session) Reconciler(args ...reconciler.Options) (*reconciler.Reconciler, error) {
	return reconciler.New(s.DB, s.Objects, s.Connector(), args...)
}

// Bootstrap runs the full history sweep with the session stores.
func (s *Session) Bootstrap(ctx context.Context, args ...reconciler.Options) (sum bootstrap.Summary, err error) {
	client, err := s.Strava.Connect(ctx)
	if err != nil {
		return sum, fmt.Errorf("bootstrap sweep failed: %w", err)
	}
	rec, err := s.Reconciler(args...)
	if err != nil {
		return sum, err
	}
	return bootstrap.Run(ctx, s.DB, rec, client)
}

// Bootstrap opens a session, runs the bootstrap sweep with it and releases it.
func (f *Factory) Bootstrap(ctx context.Context) (sum bootstrap.Summary, err error) {
	s, err := f.Open(ctx)
	if err != nil {
		return sum, err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	return s.Bootstrap(ctx)
}

// Close releases the session connections.
func (s *Session) Close() error {
	err := errors.Join(s.DB.Close(), s.Objects.Close())
	if err != nil {
		slog.Warn("Failed to close backend session", "err", err)
	}
	return err
}
