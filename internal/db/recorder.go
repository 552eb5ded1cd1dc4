package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/robot"
	"github.com/banshee-data/rover/internal/server"
	"github.com/banshee-data/rover/internal/timeutil"
)

// DefaultSampleInterval is the recorder period when -sample-interval is not
// given.
const DefaultSampleInterval = time.Second

// maxQueryLimit bounds the rows returned by the telemetry handlers.
const maxQueryLimit = 1000

// Settings holds the recorder flags.
type Settings struct {
	args     *config.Args
	path     *string
	interval *time.Duration
}

// NewSettings registers -db and -sample-interval on args.
func NewSettings(args *config.Args) *Settings {
	fs := args.FlagSet()
	return &Settings{
		args:     args,
		path:     fs.String("db", "", "sqlite telemetry database (recording disabled when empty)"),
		interval: fs.Duration("sample-interval", DefaultSampleInterval, "telemetry sample period"),
	}
}

// Path returns the database path, empty when recording is disabled.
func (s *Settings) Path() string {
	if s.path == nil {
		return ""
	}
	return *s.path
}

func (s *Settings) Interval() time.Duration {
	if s.interval == nil || *s.interval <= 0 {
		return DefaultSampleInterval
	}
	return *s.interval
}

// IntervalOr returns -sample-interval when it was given and fallback
// otherwise.
func (s *Settings) IntervalOr(fallback time.Duration) time.Duration {
	if s.args != nil && s.args.IsSet("sample-interval") {
		return s.Interval()
	}
	if fallback <= 0 {
		return DefaultSampleInterval
	}
	return fallback
}

// StateSource provides robot state snapshots.
type StateSource interface {
	State() robot.State
}

// Recorder samples robot state into the database and logs every drive mode
// activation. Write failures are logged and do not stop recording.
type Recorder struct {
	db      *DB
	src     StateSource
	modes   *server.ModeSet
	session string

	// Clock drives sampling; timeutil.RealClock when nil.
	Clock timeutil.Clock
	// Interval is the sample period; DefaultSampleInterval when zero.
	Interval time.Duration
}

// NewRecorder returns a recorder for a new session. modes may be nil.
func NewRecorder(db *DB, src StateSource, modes *server.ModeSet) *Recorder {
	return &Recorder{db: db, src: src, modes: modes, session: uuid.NewString()}
}

// Session identifies the recorder's rows.
func (r *Recorder) Session() string { return r.session }

func (r *Recorder) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

// Sample records the current robot state.
func (r *Recorder) Sample() error {
	st := r.src.State()
	s := Sample{
		Session:       r.session,
		Time:          r.clock().Now(),
		Connected:     st.Connected,
		MotorsEnabled: st.MotorsEnabled,
		Stalled:       st.Stalled,
		Battery:       st.Battery,
		X:             st.X,
		Y:             st.Y,
		Th:            st.Th,
		Vel:           st.Vel,
		RotVel:        st.RotVel,
	}
	if r.modes != nil {
		if m := r.modes.Active(); m != nil {
			s.Mode = m.Name()
		}
	}
	if err := r.db.RecordSample(s); err != nil {
		return fmt.Errorf("record sample: %w", err)
	}
	return nil
}

// WatchModes records an event on every mode activation.
func (r *Recorder) WatchModes() {
	if r.modes == nil {
		return
	}
	r.modes.OnActivate(func(name string) {
		e := ModeEvent{Session: r.session, Time: r.clock().Now(), Mode: name}
		if err := r.db.RecordModeEvent(e); err != nil {
			monitoring.Logf("record mode event: %v", err)
		}
	})
}

// Run samples every interval until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := r.clock().NewTicker(interval)
	defer ticker.Stop()
	monitoring.Logf("recording telemetry to %s every %v (session %s)", r.db.Path(), interval, r.session)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := r.Sample(); err != nil {
				monitoring.Logf("%v", err)
			}
		}
	}
}

// AttachHandlers registers "getTelemetry" and "getModeHistory", both taking
// an optional {limit}.
func (r *Recorder) AttachHandlers(s *server.Server) {
	s.AddData("getTelemetry", "recent robot samples, newest first: {limit}", func(_ context.Context, args json.RawMessage) (any, error) {
		limit, err := queryLimit(args)
		if err != nil {
			return nil, err
		}
		return r.db.RecentSamples(limit)
	})
	s.AddData("getModeHistory", "recent drive mode activations, newest first: {limit}", func(_ context.Context, args json.RawMessage) (any, error) {
		limit, err := queryLimit(args)
		if err != nil {
			return nil, err
		}
		return r.db.ModeEvents(limit)
	})
}

func queryLimit(args json.RawMessage) (int, error) {
	req := struct {
		Limit int `json:"limit"`
	}{Limit: 100}
	if err := server.DecodeArgs(args, &req); err != nil {
		return 0, err
	}
	if req.Limit < 1 || req.Limit > maxQueryLimit {
		return 0, fmt.Errorf("%w: limit must be 1-%d", server.ErrBadArguments, maxQueryLimit)
	}
	return req.Limit, nil
}
