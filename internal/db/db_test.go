package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/robot"
	"github.com/banshee-data/rover/internal/server"
	"github.com/banshee-data/rover/internal/timeutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "rover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	_, err = db.ModeEvents(1)
	assert.Error(t, err, "mode_events is dropped")

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "no change is not an error")
	v, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, v)
}

func TestOpenDB_Fresh(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()
	v, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)
}

func TestSamples(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordSample(Sample{
			Session:       "s1",
			Time:          base.Add(time.Duration(i) * time.Second),
			Mode:          "stop",
			Connected:     true,
			MotorsEnabled: i > 0,
			Battery:       12.5,
			X:             float64(i * 100),
		}))
	}

	got, err := db.RecentSamples(2)
	require.NoError(t, err)
	want := []Sample{
		{Session: "s1", Time: base.Add(2 * time.Second), Mode: "stop", Connected: true, MotorsEnabled: true, Battery: 12.5, X: 200},
		{Session: "s1", Time: base.Add(time.Second), Mode: "stop", Connected: true, MotorsEnabled: true, Battery: 12.5, X: 100},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecentSamples mismatch (-want +got):\n%s", diff)
	}
}

type idle struct{}

func (idle) Activate() error { return nil }
func (idle) Deactivate()     {}
func (idle) Cycle()          {}
func (idle) Status() string  { return "Idle" }

type stateSource struct {
	mu sync.Mutex
	st robot.State
}

func (s *stateSource) State() robot.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func TestRecorder(t *testing.T) {
	db := newTestDB(t)
	srv := server.New()
	park := srv.Modes().Add("park", idle{})
	roam := srv.Modes().Add("roam", idle{})

	clk := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := NewRecorder(db, &stateSource{st: robot.State{Connected: true, Battery: 13}}, srv.Modes())
	rec.Clock = clk
	rec.Interval = time.Second
	rec.WatchModes()
	rec.AttachHandlers(srv)

	require.NoError(t, park.Activate())
	require.NoError(t, roam.Activate())

	events, err := db.ModeEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "roam", events[0].Mode)
	assert.Equal(t, rec.Session(), events[0].Session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)
	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		samples, err := db.RecentSamples(10)
		return err == nil && len(samples) > 0
	}, 2*time.Second, 10*time.Millisecond)

	res, err := srv.Call(ctx, "getTelemetry", json.RawMessage(`{"limit": 1}`), "")
	require.NoError(t, err)
	samples := res.([]Sample)
	require.Len(t, samples, 1)
	assert.Equal(t, "roam", samples[0].Mode)
	assert.Equal(t, 13.0, samples[0].Battery)

	res, err = srv.Call(ctx, "getModeHistory", nil, "")
	require.NoError(t, err)
	assert.Len(t, res.([]ModeEvent), 2)

	_, err = srv.Call(ctx, "getTelemetry", json.RawMessage(`{"limit": 0}`), "")
	assert.ErrorIs(t, err, server.ErrBadArguments)
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RecordModeEvent(ModeEvent{Session: "s", Time: time.Now(), Mode: "stop"}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "filename=rover-backup-")

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3\x00")))
}
