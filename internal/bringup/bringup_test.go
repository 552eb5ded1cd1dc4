package bringup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/timeutil"
)

type trace struct {
	mu     sync.Mutex
	events []string
	codes  []int
}

func (tr *trace) add(e string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, e)
}

func (tr *trace) exit(code int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.codes = append(tr.codes, code)
}

func (tr *trace) snapshot() ([]string, []int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.events...), append([]int(nil), tr.codes...)
}

func step(tr *trace, name string, err error) func(context.Context) error {
	return func(context.Context) error {
		tr.add(name)
		return err
	}
}

func TestFailure(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	f := Fail(ErrUnavailable, "could not connect to robot", cause)
	assert.Equal(t, "could not connect to robot: dial tcp: refused", f.Error())
	assert.ErrorIs(t, f, ErrUnavailable)
	assert.ErrorIs(t, f, cause)
	assert.NotErrorIs(t, f, ErrArguments)

	f = Fail(ErrArguments, "parsing problem", nil)
	assert.Equal(t, "parsing problem", f.Error())
	assert.ErrorIs(t, f, ErrArguments)
}

func TestExiter(t *testing.T) {
	tr := &trace{}
	e := NewExiter(tr.exit)
	e.AddCallback("close ports", func() { tr.add("close ports") })
	e.AddCallback("stop loops", func() { tr.add("stop loops") })
	e.AddCallback("disable motors", func() { tr.add("disable motors") })

	e.Exit(ExitError)
	e.Exit(ExitOK)

	events, codes := tr.snapshot()
	assert.Equal(t, []string{"disable motors", "stop loops", "close ports"}, events)
	assert.Equal(t, []int{ExitError}, codes)
}

func TestSequencer_OrderAndIdle(t *testing.T) {
	tr := &trace{}
	clk := timeutil.NewMockClock(time.Unix(0, 0))
	s := New(NewExiter(tr.exit))
	s.Clock = clk
	for _, name := range []string{"robot", "args", "server", "video", "open", "laser"} {
		s.Add(name, step(tr, name, nil))
	}
	s.Add("motors", step(tr, "motors", nil))
	assert.Equal(t, []string{"robot", "args", "server", "video", "open", "laser", "motors"}, s.Steps())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Advance(IdlePeriod)
		return s.IdlePeriods() >= 5
	}, 2*time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("Run returned while idling")
	default:
	}
	events, codes := tr.snapshot()
	assert.Equal(t, []string{"robot", "args", "server", "video", "open", "laser", "motors"}, events)
	assert.Empty(t, codes, "no exit while idling")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
	_, codes = tr.snapshot()
	assert.Equal(t, []int{ExitOK}, codes)
}

func TestSequencer_FailureStopsLaterSteps(t *testing.T) {
	names := []string{"robot", "args", "server", "video", "open", "laser", "motors"}
	for i := 0; i < len(names)-1; i++ {
		t.Run("fail at "+names[i], func(t *testing.T) {
			tr := &trace{}
			s := New(NewExiter(tr.exit))
			s.Clock = timeutil.NewMockClock(time.Unix(0, 0))
			for j, name := range names {
				var err error
				if j == i {
					err = Fail(ErrUnavailable, "could not "+name, nil)
				}
				s.Add(name, step(tr, name, err))
			}

			err := s.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnavailable)

			events, codes := tr.snapshot()
			assert.Equal(t, names[:i+1], events)
			assert.NotContains(t, events, "motors", "motors only after every earlier step")
			assert.Equal(t, []int{ExitError}, codes)
			assert.Zero(t, s.IdlePeriods())
		})
	}
}

func TestSequencer_CancelledStepExitsCleanly(t *testing.T) {
	tr := &trace{}
	s := New(NewExiter(tr.exit))
	ctx, cancel := context.WithCancel(context.Background())
	s.Add("robot", func(ctx context.Context) error {
		cancel()
		return Fail(ErrUnavailable, "could not connect to robot", ctx.Err())
	})
	s.Add("args", step(tr, "args", nil))

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	events, codes := tr.snapshot()
	assert.Empty(t, events)
	assert.Equal(t, []int{ExitOK}, codes)
}
