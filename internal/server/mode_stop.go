package server

import (
	"context"
	"encoding/json"

	"github.com/banshee-data/rover/internal/monitoring"
)

type stopMode struct {
	d Driver
}

// NewStopMode registers the stop mode, which holds the robot still every
// cycle while active, and the "stop" command that activates it.
func NewStopMode(s *Server, d Driver) *Mode {
	m := s.Modes().Add("stop", &stopMode{d: d})
	s.AddCommand("stop", "stops the robot", func(context.Context, json.RawMessage) (any, error) {
		if err := m.Activate(); err != nil {
			return nil, err
		}
		return nil, d.Stop()
	})
	return m
}

func (b *stopMode) Activate() error { return b.d.Stop() }

func (b *stopMode) Deactivate() {}

func (b *stopMode) Cycle() {
	if err := b.d.Stop(); err != nil {
		monitoring.Logf("stop mode: %v", err)
	}
}

func (b *stopMode) Status() string { return "Stopped" }
