package sim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/rover/internal/laser"
)

// URG simulates a Hokuyo URG-04LX answering SCIP 2.0 requests.
type URG struct {
	Params laser.Params
	// Range returns the distance in mm seen at a step. The default is a
	// 4 m by 3 m room centred on the sensor.
	Range func(step int) int

	mu      sync.Mutex
	laserOn bool
	stamp   int
}

// NewURG returns a simulator with URG-04LX parameters.
func NewURG() *URG {
	u := &URG{
		Params: laser.Params{
			Model:  "URG-04LX(Hokuyo Automatic Co.,Ltd.)",
			DMin:   20,
			DMax:   5600,
			ARes:   1024,
			AMin:   44,
			AMax:   725,
			AFront: 384,
			Scan:   600,
		},
	}
	u.Range = u.room
	return u
}

// LaserOn reports whether BM has been received since the last QT.
func (u *URG) LaserOn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.laserOn
}

func (u *URG) room(step int) int {
	th := u.Params.StepAngle(step) * math.Pi / 180
	const halfX, halfY = 2000.0, 1500.0
	d := math.Inf(1)
	if c := math.Cos(th); math.Abs(c) > 1e-9 {
		d = math.Min(d, halfX/math.Abs(c))
	}
	if s := math.Sin(th); math.Abs(s) > 1e-9 {
		d = math.Min(d, halfY/math.Abs(s))
	}
	return int(math.Min(d, float64(u.Params.DMax)))
}

// Serve answers requests on conn until ctx is done or conn fails. conn is
// closed on return.
func (u *URG) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		cmd := strings.TrimRight(line, "\r\n")
		if cmd == "" {
			continue
		}
		if _, err := io.WriteString(conn, u.respond(cmd)); err != nil {
			return err
		}
	}
}

func (u *URG) respond(cmd string) string {
	status, lines := u.handle(cmd)
	var sb strings.Builder
	sb.WriteString(cmd + "\n")
	sb.WriteString(laser.WithChecksum(status) + "\n")
	for _, l := range lines {
		sb.WriteString(l + "\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (u *URG) handle(cmd string) (string, []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := u.Params
	switch {
	case cmd == "SCIP2.0":
		return "00", nil
	case cmd == "VV":
		return "00", []string{
			laser.ParamLine("VEND", "Hokuyo Automatic Co.,Ltd."),
			laser.ParamLine("PROD", "SOKUIKI Sensor URG-04LX"),
			laser.ParamLine("FIRM", "3.3.00"),
			laser.ParamLine("PROT", "SCIP 2.0"),
			laser.ParamLine("SERI", "H0000001"),
		}
	case cmd == "PP":
		return "00", []string{
			laser.ParamLine("MODL", p.Model),
			laser.ParamLine("DMIN", strconv.Itoa(p.DMin)),
			laser.ParamLine("DMAX", strconv.Itoa(p.DMax)),
			laser.ParamLine("ARES", strconv.Itoa(p.ARes)),
			laser.ParamLine("AMIN", strconv.Itoa(p.AMin)),
			laser.ParamLine("AMAX", strconv.Itoa(p.AMax)),
			laser.ParamLine("AFRT", strconv.Itoa(p.AFront)),
			laser.ParamLine("SCAN", strconv.Itoa(p.Scan)),
		}
	case cmd == "BM":
		if u.laserOn {
			return "02", nil
		}
		u.laserOn = true
		return "00", nil
	case cmd == "QT":
		u.laserOn = false
		return "00", nil
	case strings.HasPrefix(cmd, "GD") && len(cmd) == 12:
		if !u.laserOn {
			return "10", nil
		}
		start, err1 := strconv.Atoi(cmd[2:6])
		end, err2 := strconv.Atoi(cmd[6:10])
		if err1 != nil || err2 != nil || start < p.AMin || end > p.AMax || end < start {
			return "04", nil
		}
		ranges := make([]int, 0, end-start+1)
		for step := start; step <= end; step++ {
			ranges = append(ranges, u.Range(step))
		}
		u.stamp = (u.stamp + 100) % (1 << 24)
		lines := []string{laser.WithChecksum(laser.EncodeChars(u.stamp, 4))}
		return "00", append(lines, laser.EncodeRanges(ranges)...)
	}
	return "0C", nil
}
