package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stravabronze/activity-sync/internal/backend"
	"github.com/stravabronze/activity-sync/internal/common/constants"
	"github.com/stravabronze/activity-sync/internal/database"
	"github.com/stravabronze/activity-sync/internal/models"
	"github.com/stravabronze/activity-sync/internal/strava"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFlags(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		args []string

		want backend.Config
	}{
		"Defaults": {
			want: backend.Config{
				DB:                database.Config{Port: 5432},
				ObjectStore:       constants.DefaultObjectsDir,
				SecretsPath:       constants.DefaultSecretsPath,
				CredentialsSecret: constants.DefaultCredentialsSecret,
				StravaBaseURL:     strava.DefaultBaseURL,
				StravaTokenURL:    strava.DefaultTokenURL,
				StravaInterval:    9 * time.Second,
				StravaBurst:       100,
			},
		},
		"Overrides": {
			args: []string{
				"--db-host", "db", "-p", "6543", "-u", "strava", "-P", "pw", "-n", "bronze", "-s", "disable",
				"--object-store", "gs://bucket/bronze",
				"--secrets-file", "/etc/activity-sync/secrets.json",
				"--credentials-secret", "athlete",
				"--strava-api-url", "http://localhost/api/v3",
				"--strava-token-url", "http://localhost/oauth/token",
				"--strava-interval", "0s",
				"--strava-burst", "5",
				"--lenient-schema",
			},
			want: backend.Config{
				DB:                database.Config{Host: "db", Port: 6543, User: "strava", Password: "pw", DBName: "bronze", SSLMode: "disable"},
				ObjectStore:       "gs://bucket/bronze",
				SecretsPath:       "/etc/activity-sync/secrets.json",
				CredentialsSecret: "athlete",
				StravaBaseURL:     "http://localhost/api/v3",
				StravaTokenURL:    "http://localhost/oauth/token",
				StravaBurst:       5,
				LenientSchema:     true,
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var cfg backend.Config
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			backend.AddFlags(fs, &cfg)
			require.NoError(t, fs.Parse(tc.args), "Parse should not fail")

			assert.Equal(t, tc.want, cfg, "unexpected configuration")
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		objectStore string
		openDBErr   error
		closeErr    error

		wantErr      bool
		wantCloseErr bool
	}{
		"Open and close": {},

		"Error when object store is invalid": {objectStore: "s3://bucket", wantErr: true},
		"Error when database is unreachable": {openDBErr: errors.New("connection refused"), wantErr: true},
		"Error on close is returned":         {closeErr: errors.New("timeout while closing database"), wantCloseErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := backend.Config{ObjectStore: tc.objectStore}
			if cfg.ObjectStore == "" {
				cfg.ObjectStore = t.TempDir()
			}
			db := newFakeDB()
			db.closeErr = tc.closeErr

			f := backend.NewFactory(cfg, backend.WithOpenDB(func(context.Context, database.Config) (backend.DB, error) {
				if tc.openDBErr != nil {
					return nil, tc.openDBErr
				}
				return db, nil
			}))

			s, err := f.Open(t.Context())
			if tc.wantErr {
				require.Error(t, err, "Open should fail")
				return
			}
			require.NoError(t, err, "Open should not fail")
			require.NotNil(t, s.Objects, "session should have an object store")
			require.NotNil(t, s.Strava, "session should have a Strava connector")

			err = s.Close()
			if tc.wantCloseErr {
				require.Error(t, err, "Close should fail")
				return
			}
			require.NoError(t, err, "Close should not fail")
			assert.True(t, db.closed, "database should be closed")
		})
	}
}

func TestSessionReconciler(t *testing.T) {
	t.Parallel()

	srv := newStravaServer(t, []int64{42})
	fx := openSession(t, srv)
	db, objectsDir := fx.db, fx.objectsDir

	rec, err := fx.Reconciler()
	require.NoError(t, err, "Reconciler should not fail")

	require.NoError(t, rec.Process(t.Context(), []byte(`{"object_type":"activity","aspect_type":"create","object_id":42}`)), "create should not fail")
	assert.Equal(t, []int64{42}, db.ids(), "row should be inserted")
	assert.FileExists(t, filepath.Join(objectsDir, "activity", "42.json"), "bundle should be uploaded")

	require.NoError(t, rec.Process(t.Context(), []byte(`{"object_type":"activity","aspect_type":"delete","object_id":42}`)), "delete should not fail")
	assert.Empty(t, db.ids(), "row should be deleted")
	assert.NoFileExists(t, filepath.Join(objectsDir, "activity", "42.json"), "bundle should be deleted")
}

func TestSessionBootstrap(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		activities []int64
		noSecret   bool
		resetErr   error

		wantErr bool
	}{
		"Sweeps every listed activity": {activities: []int64{1, 2, 3}},
		"Empty history":                {},

		"Error without credentials":     {activities: []int64{1}, noSecret: true, wantErr: true},
		"Error when schema reset fails": {activities: []int64{1}, resetErr: errors.New("permission denied"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := newStravaServer(t, tc.activities)
			fx := openSession(t, srv)
			db, objectsDir := fx.db, fx.objectsDir
			db.resetErr = tc.resetErr
			if tc.noSecret {
				require.NoError(t, os.WriteFile(fx.secretsPath, []byte(`{}`), 0600), "Setup: failed to empty secrets")
			}

			sum, err := fx.Bootstrap(t.Context())
			if tc.wantErr {
				require.Error(t, err, "Bootstrap should fail")
				assert.Empty(t, db.ids(), "nothing should be inserted")
				return
			}
			require.NoError(t, err, "Bootstrap should not fail")
			assert.Equal(t, len(tc.activities), sum.Activities, "every activity should be visited")
			assert.Equal(t, len(tc.activities), sum.Applied, "every activity should be applied")
			assert.Equal(t, 1, db.resets, "schema should be reset once")
			assert.ElementsMatch(t, tc.activities, db.ids(), "every activity should be inserted")
			for _, id := range tc.activities {
				assert.FileExists(t, filepath.Join(objectsDir, "activity", fmt.Sprintf("%d.json", id)), "bundle should be uploaded")
			}
		})
	}
}

func TestFactoryBootstrap(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		closeErr error

		wantErr bool
	}{
		"Sweeps and releases the session": {},

		"Error when the session does not close": {closeErr: errors.New("connection reset"), wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f, fx := newFactory(t, newStravaServer(t, []int64{4, 5}))
			fx.db.closeErr = tc.closeErr

			sum, err := f.Bootstrap(t.Context())
			assert.True(t, fx.db.closed, "session should be closed")
			assert.ElementsMatch(t, []int64{4, 5}, fx.db.ids(), "every activity should be inserted")
			assert.Equal(t, 2, sum.Applied, "every activity should be applied")
			if tc.wantErr {
				require.Error(t, err, "Bootstrap should fail")
				return
			}
			require.NoError(t, err, "Bootstrap should not fail")
		})
	}
}

// sessionFixture is an open session on a fake database and temporary files.
type sessionFixture struct {
	*backend.Session
	db          *fakeDB
	objectsDir  string
	secretsPath string
}

func openSession(t *testing.T, srv *httptest.Server) sessionFixture {
	t.Helper()

	f, fx := newFactory(t, srv)
	s, err := f.Open(t.Context())
	require.NoError(t, err, "Setup: Open should not fail")
	t.Cleanup(func() { s.Close() })

	fx.Session = s
	return fx
}

// newFactory returns a factory opening sessions on a fake database, with the fixture files.
func newFactory(t *testing.T, srv *httptest.Server) (*backend.Factory, sessionFixture) {
	t.Helper()

	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.json")
	creds, err := json.Marshal(strava.Credentials{
		ClientID:     "client",
		ClientSecret: "s3cr3t",
		Token: strava.Token{
			AccessToken:  "access",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			TokenType:    "Bearer",
		},
	})
	require.NoError(t, err, "Setup: failed to marshal credentials")
	secretsFile, err := json.Marshal(map[string]string{constants.DefaultCredentialsSecret: string(creds)})
	require.NoError(t, err, "Setup: failed to marshal secrets")
	require.NoError(t, os.WriteFile(secretsPath, secretsFile, 0600), "Setup: failed to write secrets")

	objectsDir := filepath.Join(dir, "objects")
	db := newFakeDB()
	f := backend.NewFactory(backend.Config{
		ObjectStore:       objectsDir,
		SecretsPath:       secretsPath,
		CredentialsSecret: constants.DefaultCredentialsSecret,
		StravaBaseURL:     srv.URL + "/api/v3",
		StravaTokenURL:    srv.URL + "/oauth/token",
	}, backend.WithOpenDB(func(context.Context, database.Config) (backend.DB, error) {
		return db, nil
	}))

	return f, sessionFixture{db: db, objectsDir: objectsDir, secretsPath: secretsPath}
}

// newStravaServer serves the listing and the detail of activities.
func newStravaServer(t *testing.T, activities []int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/athlete/activities", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"), "requests should be authenticated")
		var page []map[string]int64
		if r.URL.Query().Get("page") == "1" {
			for _, id := range activities {
				page = append(page, map[string]int64{"id": id})
			}
		}
		if page == nil {
			page = []map[string]int64{}
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(page), "failed to write listing")
	})
	mux.HandleFunc("GET /api/v3/activities/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%s,"athlete":{"id":7},"name":"Ride","type":"Ride","sport_type":"Ride",`+
			`"start_date":"2024-05-01T17:00:00Z","start_date_local":"2024-05-01T19:00:00Z",`+
			`"timezone":"(GMT+01:00) Europe/Paris","utc_offset":7200,"distance":5000,`+
			`"map":{"id":"a","summary_polyline":"abc"}}`, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/v3/activities/{id}/streams", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("key_by_type"), "streams should be keyed by type")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"time":{"data":[0,1],"series_type":"distance","original_size":2,"resolution":"high"},`+
			`"distance":{"data":[0,4.5],"series_type":"distance","original_size":2,"resolution":"high"}}`)
	})
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		t.Error("token should not be refreshed")
		w.WriteHeader(http.StatusBadRequest)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fakeDB struct {
	resetErr error
	closeErr error

	mu     sync.Mutex
	rows   map[int64]models.ActivityRecord
	resets int
	closed bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[int64]models.ActivityRecord)}
}

func (db *fakeDB) Insert(_ context.Context, rec models.ActivityRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.rows[rec.ID]; ok {
		return database.ErrDuplicate
	}
	db.rows[rec.ID] = rec
	return nil
}

func (db *fakeDB) Delete(_ context.Context, id int64) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.rows[id]
	delete(db.rows, id)
	return ok, nil
}

func (db *fakeDB) ResetSchema(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.resets++
	if db.resetErr != nil {
		return db.resetErr
	}
	db.rows = make(map[int64]models.ActivityRecord)
	return nil
}

func (db *fakeDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return db.closeErr
}

func (db *fakeDB) ids() []int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []int64
	for id := range db.rows {
		ids = append(ids, id)
	}
	return ids
}
