// Package database provides the relational store of reconciled activities.
// It handles the connection to a PostgreSQL database and the idempotent insert and delete of activity rows.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/ubuntu/decorate"
)

// ErrDuplicate is returned when a row with the same activity id already exists.
var ErrDuplicate = errors.New("activity already stored")

// Config locates the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// URI renders c as a connection url with the given scheme. Values are not validated.
//
// The result holds the password: do not log it.
func (c Config) URI(scheme string) string {
	u := url.URL{Scheme: scheme, Host: c.Host, Path: c.DBName, User: url.User(c.User)}
	if c.Port != 0 {
		u.Host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager stores activity rows through a PostgreSQL connection pool.
type Manager struct {
	pool dbPool
	cfg  Config

	insertSQL string
	deleteSQL string
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// opTimeout bounds every statement and the pool shutdown.
const opTimeout = 10 * time.Second

// New opens a connection pool to cfg and checks it answers a ping.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) { return pgxpool.New(ctx, dsn) },
	}
	for _, opt := range args {
		opt(&opts)
	}

	log := slog.With("host", cfg.Host, "port", cfg.Port, "database", cfg.DBName)

	pool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	log.Debug("Pinging database")
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}
	log.Info("Connected to PostgreSQL database")

	table := pgx.Identifier{constants.ActivityTable}.Sanitize()
	return &Manager{
		pool:      pool,
		cfg:       cfg,
		insertSQL: insertStatement(table),
		deleteSQL: fmt.Sprintf("DELETE FROM %s WHERE id = $1", table),
	}, nil
}

// activityColumns lists the inserted columns, in the order of insertArgs.
var activityColumns = []string{
	"id", "athlete_id", "name", "description", "sport_type", "type",
	"start_date", "start_date_local", "timezone", "utc_offset",
	"distance", "moving_time", "elapsed_time", "total_elevation_gain", "elev_high", "elev_low",
	"average_speed", "max_speed", "average_heartrate", "max_heartrate", "average_cadence", "calories",
	"has_heartrate", "commute", "trainer", "manual", "private", "visibility",
	"device_name", "gear_id", "external_id", "upload_id", "upload_id_str",
	"achievement_count", "kudos_count", "comment_count", "athlete_count", "photo_count", "total_photo_count",
	"start_latlng", "end_latlng", "map_summary_polyline",
	"entry_time",
}

func insertStatement(table string) string {
	params := make([]string, len(activityColumns))
	for i := range params {
		params[i] = "$" + strconv.Itoa(i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(activityColumns, ", "), strings.Join(params, ", "))
}

func insertArgs(rec models.ActivityRecord, entry time.Time) []any {
	return []any{
		rec.ID, rec.AthleteID, rec.Name, rec.Description, rec.SportType, rec.Type,
		rec.StartDate, rec.StartDateLocal, rec.Timezone, rec.UTCOffset,
		rec.Distance, rec.MovingTime, rec.ElapsedTime, rec.TotalElevationGain, rec.ElevHigh, rec.ElevLow,
		rec.AverageSpeed, rec.MaxSpeed, rec.AverageHeartrate, rec.MaxHeartrate, rec.AverageCadence, rec.Calories,
		rec.HasHeartrate, rec.Commute, rec.Trainer, rec.Manual, rec.Private, rec.Visibility,
		rec.DeviceName, rec.GearID, rec.ExternalID, rec.UploadID, rec.UploadIDStr,
		rec.AchievementCount, rec.KudosCount, rec.CommentCount, rec.AthleteCount, rec.PhotoCount, rec.TotalPhotoCount,
		rec.StartLatLng, rec.EndLatLng, rec.SummaryPolyline,
		entry,
	}
}

var errClosed = errors.New("database not initialized")

// Insert stores rec in a transaction which is rolled back on any error.
//
// If a row with the same id exists, it returns ErrDuplicate.
func (db *Manager) Insert(ctx context.Context, rec models.ActivityRecord) (err error) {
	defer decorate.OnError(&err, "failed to insert activity %d", rec.ID)

	if db.pool == nil {
		return errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, db.insertSQL, insertArgs(rec, time.Now())...)
		return err
	})
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errors.Join(ErrDuplicate, err)
	}
	return err
}

// Delete removes the row of activity id. It reports whether a row existed.
func (db *Manager) Delete(ctx context.Context, id int64) (existed bool, err error) {
	defer decorate.OnError(&err, "failed to delete activity %d", id)

	if db.pool == nil {
		return false, errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := db.pool.Exec(ctx, db.deleteSQL, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Close releases the pool. Closing twice is a no-op.
//
// It gives up with an error when the pool does not close in time: connections may stay open.
func (db *Manager) Close() error {
	if db.pool == nil {
		return nil
	}

	closed := make(chan struct{})
	go func() {
		db.pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		db.pool = nil
		return nil
	case <-time.After(opTimeout):
		return errors.New("timeout while closing database, connection may still be open")
	}
}
