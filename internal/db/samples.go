package db

import (
	"time"
)

// Sample is one recorded robot state.
type Sample struct {
	Session       string    `json:"session"`
	Time          time.Time `json:"time"`
	Mode          string    `json:"mode"`
	Connected     bool      `json:"connected"`
	MotorsEnabled bool      `json:"motors_enabled"`
	Stalled       bool      `json:"stalled"`
	Battery       float64   `json:"battery"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Th            float64   `json:"th"`
	Vel           float64   `json:"vel"`
	RotVel        float64   `json:"rot_vel"`
}

// ModeEvent records a drive mode activation.
type ModeEvent struct {
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	Mode    string    `json:"mode"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) RecordSample(s Sample) error {
	_, err := db.Exec(`INSERT INTO samples (
			session_id, time_ms, mode, connected, motors_enabled, stalled,
			battery, x, y, th, vel, rot_vel
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Session, s.Time.UnixMilli(), s.Mode, boolInt(s.Connected), boolInt(s.MotorsEnabled), boolInt(s.Stalled),
		s.Battery, s.X, s.Y, s.Th, s.Vel, s.RotVel,
	)
	return err
}

// RecentSamples returns up to limit samples, newest first.
func (db *DB) RecentSamples(limit int) ([]Sample, error) {
	rows, err := db.Query(`SELECT session_id, time_ms, mode, connected, motors_enabled, stalled,
			battery, x, y, th, vel, rot_vel
		FROM samples ORDER BY time_ms DESC, sample_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var (
			s                          Sample
			ms                         int64
			connected, motors, stalled int
		)
		if err := rows.Scan(&s.Session, &ms, &s.Mode, &connected, &motors, &stalled,
			&s.Battery, &s.X, &s.Y, &s.Th, &s.Vel, &s.RotVel); err != nil {
			return nil, err
		}
		s.Time = time.UnixMilli(ms).UTC()
		s.Connected, s.MotorsEnabled, s.Stalled = connected != 0, motors != 0, stalled != 0
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (db *DB) RecordModeEvent(e ModeEvent) error {
	_, err := db.Exec(`INSERT INTO mode_events (session_id, time_ms, mode) VALUES (?, ?, ?)`,
		e.Session, e.Time.UnixMilli(), e.Mode)
	return err
}

// ModeEvents returns up to limit mode activations, newest first.
func (db *DB) ModeEvents(limit int) ([]ModeEvent, error) {
	rows, err := db.Query(`SELECT session_id, time_ms, mode FROM mode_events
		ORDER BY time_ms DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ModeEvent
	for rows.Next() {
		var (
			e  ModeEvent
			ms int64
		)
		if err := rows.Scan(&e.Session, &ms, &e.Mode); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ms).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
