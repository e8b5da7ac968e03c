package testutils

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx/v5 driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresPort  = "5432/tcp"
)

// PostgresContainer is a disposable PostgreSQL server.
type PostgresContainer struct {
	Container testcontainers.Container
	// DSN is a postgres:// url to the test database.
	DSN string

	User     string
	Password string
	Name     string
	Host     string
	Port     string
}

// StartPostgresContainer starts a PostgreSQL container, waits until it accepts connections
// and terminates it at the end of the test.
//
// The test is skipped in short mode and on platforms without Linux containers.
func StartPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping PostgreSQL container test in short mode")
	}
	if runtime.GOOS != "linux" {
		t.Skip("Skipping PostgreSQL container test on non-Linux OS")
	}

	pc := &PostgresContainer{User: "postgres", Password: "postgres", Name: "activities"}

	ctx := t.Context()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{postgresPort},
			Env: map[string]string{
				"POSTGRES_USER":     pc.User,
				"POSTGRES_PASSWORD": pc.Password,
				"POSTGRES_DB":       pc.Name,
			},
			// The server restarts once after the init scripts: the second line is the real one.
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(postgresPort),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "Setup: failed to start PostgreSQL container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("Teardown: failed to terminate PostgreSQL container: %v", err)
		}
	})
	pc.Container = c

	pc.Host, err = c.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	port, err := c.MappedPort(ctx, postgresPort)
	require.NoError(t, err, "Setup: failed to get mapped port")
	pc.Port = port.Port()

	pc.DSN = (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pc.User, pc.Password),
		Host:     pc.Host + ":" + pc.Port,
		Path:     pc.Name,
		RawQuery: "sslmode=disable",
	}).String()

	require.Eventually(t, func() bool { return pc.ping(ctx) == nil }, 30*time.Second, 500*time.Millisecond,
		"Setup: PostgreSQL container never accepted connections")
	return pc
}

func (pc PostgresContainer) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, pc.DSN)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

// ApplyMigrations applies the migrations from migrationsDir to the database.
func ApplyMigrations(t *testing.T, dsn string, migrationsDir string) {
	t.Helper()

	u, err := url.Parse(dsn)
	require.NoError(t, err, "Setup: invalid database url")
	u.Scheme = "pgx5"

	m, err := migrate.New("file://"+migrationsDir, u.String())
	require.NoError(t, err, "Setup: failed to create migration instance")
	defer m.Close()

	if err := m.Up(); !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err, "Setup: failed to apply migrations")
	}
}

// DBListTables lists the tables of the public schema, without the ones in skip.
func DBListTables(t *testing.T, dsn string, skip ...string) []string {
	t.Helper()

	conn := connect(t, dsn)
	rows, err := conn.Query(t.Context(),
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`)
	require.NoError(t, err, "failed to list tables")

	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err, "failed to collect table names")

	return slices.DeleteFunc(tables, func(name string) bool { return slices.Contains(skip, name) })
}

// CountRows returns the number of rows of table matching the activity id.
func CountRows(t *testing.T, dsn, table string, id int64) int {
	t.Helper()

	var n int
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE id = $1", pgx.Identifier{table}.Sanitize())
	require.NoError(t, connect(t, dsn).QueryRow(t.Context(), query, id).Scan(&n), "failed to count rows")
	return n
}

// connect opens a connection closed at the end of the test.
func connect(t *testing.T, dsn string) *pgx.Conn {
	t.Helper()

	conn, err := pgx.Connect(t.Context(), dsn)
	require.NoError(t, err, "failed to connect to the database")
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}
