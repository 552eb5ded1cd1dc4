package laser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/devport"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// URG defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 2 * time.Second
)

// Params are the device parameters reported by the PP command.
type Params struct {
	Model  string `json:"model"`
	DMin   int    `json:"dmin"` // mm
	DMax   int    `json:"dmax"` // mm
	ARes   int    `json:"ares"` // steps per revolution
	AMin   int    `json:"amin"` // first measurable step
	AMax   int    `json:"amax"` // last measurable step
	AFront int    `json:"afrt"` // step facing forward
	Scan   int    `json:"scan"` // rpm
}

// StepAngle returns the angle of a step in degrees.
func (p Params) StepAngle(step int) float64 {
	if p.ARes == 0 {
		return 0
	}
	return float64(step-p.AFront) * 360 / float64(p.ARes)
}

// URG is a Hokuyo URG rangefinder speaking SCIP 2.0.
type URG struct {
	name string
	port devport.Port
	br   *bufio.Reader
	ioMu sync.Mutex

	// Clock drives the polling loop.
	Clock timeutil.Clock
	// Interval between GD requests.
	Interval time.Duration
	// Timeout bounds each request.
	Timeout time.Duration

	mu     sync.RWMutex
	params Params
	scan   Scan

	closeOnce sync.Once
	closeErr  error
}

// NewURG wraps an open port. Call Connect before use.
func NewURG(name string, port devport.Port) *URG {
	return &URG{
		name:     name,
		port:     port,
		br:       bufio.NewReader(port),
		Clock:    timeutil.RealClock{},
		Interval: DefaultPollInterval,
		Timeout:  DefaultTimeout,
	}
}

func (u *URG) Name() string { return u.name }

// AbsoluteMaxRange returns DMAX from the device parameters.
func (u *URG) AbsoluteMaxRange() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.params.DMax
}

// Params returns the device parameters.
func (u *URG) Params() Params {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.params
}

// Readings returns a copy of the most recent scan.
func (u *URG) Readings() Scan {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := u.scan
	s.Readings = append([]Reading(nil), u.scan.Readings...)
	return s
}

// Connect switches the device to SCIP 2.0, reads its parameters and turns
// the laser on.
func (u *URG) Connect(ctx context.Context) error {
	if _, err := u.transact(ctx, "SCIP2.0", false); err != nil {
		return fmt.Errorf("SCIP2.0: %w", err)
	}

	vv, err := u.transact(ctx, "VV", true)
	if err != nil {
		return fmt.Errorf("VV: %w", err)
	}
	info := parseParams(vv.Lines)

	pp, err := u.transact(ctx, "PP", true)
	if err != nil {
		return fmt.Errorf("PP: %w", err)
	}
	params, err := paramsFrom(parseParams(pp.Lines))
	if err != nil {
		return err
	}

	// "02" means the laser was already on.
	if _, err := u.transact(ctx, "BM", false, "02"); err != nil {
		return fmt.Errorf("BM: %w", err)
	}

	u.mu.Lock()
	u.params = params
	u.mu.Unlock()
	monitoring.Logf("laser %s: %s firmware %s serial %s, range %d-%d mm, steps %d-%d of %d",
		u.name, params.Model, info["FIRM"], info["SERI"], params.DMin, params.DMax, params.AMin, params.AMax, params.ARes)
	return nil
}

func paramsFrom(m map[string]string) (Params, error) {
	p := Params{Model: m["MODL"]}
	fields := []struct {
		key string
		dst *int
	}{
		{"DMIN", &p.DMin}, {"DMAX", &p.DMax}, {"ARES", &p.ARes},
		{"AMIN", &p.AMin}, {"AMAX", &p.AMax}, {"AFRT", &p.AFront},
	}
	for _, f := range fields {
		v, ok := m[f.key]
		if !ok {
			return p, fmt.Errorf("PP reply missing %s", f.key)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("PP %s: %w", f.key, err)
		}
		*f.dst = n
	}
	if scan, ok := m["SCAN"]; ok {
		p.Scan, _ = strconv.Atoi(scan)
	}
	if p.AMax < p.AMin || p.ARes <= 0 {
		return p, fmt.Errorf("invalid step range %d-%d of %d", p.AMin, p.AMax, p.ARes)
	}
	return p, nil
}

// Poll requests one scan and stores it as the latest reading.
func (u *URG) Poll(ctx context.Context) (Scan, error) {
	params := u.Params()
	cmd := fmt.Sprintf("GD%04d%04d%02d", params.AMin, params.AMax, 1)
	r, err := u.transact(ctx, cmd, false)
	if err != nil {
		return Scan{}, err
	}
	_, ranges, err := decodeRanges(r.Lines)
	if err != nil {
		return Scan{}, err
	}
	if want := params.AMax - params.AMin + 1; len(ranges) != want {
		return Scan{}, fmt.Errorf("GD returned %d steps, want %d", len(ranges), want)
	}

	scan := Scan{Time: u.Clock.Now(), Readings: make([]Reading, len(ranges))}
	for i, rng := range ranges {
		step := params.AMin + i
		scan.Readings[i] = Reading{
			Step:  step,
			Angle: params.StepAngle(step),
			Range: rng,
			Valid: rng >= params.DMin && rng <= params.DMax,
		}
	}

	u.mu.Lock()
	u.scan = scan
	u.mu.Unlock()
	return scan, nil
}

// Run polls the device until ctx is done or the port fails.
func (u *URG) Run(ctx context.Context) error {
	ticker := u.Clock.NewTicker(u.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := u.Poll(ctx); err != nil {
				if errors.Is(err, errPortFailed) {
					return err
				}
				monitoring.Logf("laser %s: %v", u.name, err)
			}
		}
	}
}

// RunAsync starts Run on its own goroutine.
func (u *URG) RunAsync(ctx context.Context) {
	go func() {
		if err := u.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("laser %s stopped: %v", u.name, err)
		}
	}()
}

// Close turns the laser off and closes the port.
func (u *URG) Close() error {
	u.closeOnce.Do(func() {
		if u.ioMu.TryLock() {
			_, _ = u.port.Write([]byte("QT\n"))
			u.ioMu.Unlock()
		}
		u.closeErr = u.port.Close()
	})
	return u.closeErr
}

var errPortFailed = errors.New("laser port failed")

// transact writes one command and reads its reply. A request that times out
// closes the port, since the reply stream can no longer be trusted.
func (u *URG) transact(ctx context.Context, cmd string, params bool, extraOK ...string) (reply, error) {
	u.ioMu.Lock()
	defer u.ioMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, u.Timeout)
	defer cancel()

	type result struct {
		lines []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := u.port.Write([]byte(cmd + "\n")); err != nil {
			done <- result{err: err}
			return
		}
		var lines []string
		for {
			line, err := u.br.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if len(lines) == 0 {
					// stray terminator from an earlier reply
					continue
				}
				done <- result{lines: lines}
				return
			}
			lines = append(lines, line)
		}
	}()

	select {
	case <-ctx.Done():
		_ = u.port.Close()
		return reply{}, fmt.Errorf("%w: %s: %v", errPortFailed, cmd, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return reply{}, fmt.Errorf("%w: %s: %v", errPortFailed, cmd, res.err)
		}
		r, err := parseReply(res.lines, params)
		if err != nil {
			return reply{}, err
		}
		if r.Echo != cmd {
			return reply{}, fmt.Errorf("unexpected echo %q for %s", r.Echo, cmd)
		}
		if !statusOK(r.Status) && !slices.Contains(extraOK, r.Status) {
			return reply{}, fmt.Errorf("%s: status %s", cmd, r.Status)
		}
		return r, nil
	}
}
