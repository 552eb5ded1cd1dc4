package laser

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/rover/internal/httputil"
)

// Finder looks up a laser by number.
type Finder interface {
	FindLaser(n int) (Laser, bool)
}

// Summary describes the valid readings of a scan.
type Summary struct {
	Time   time.Time `json:"time"`
	Total  int       `json:"total"`
	Valid  int       `json:"valid"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"std_dev"`
}

// Summarise computes range statistics over the valid readings of s.
func Summarise(s Scan) Summary {
	sum := Summary{Time: s.Time, Total: len(s.Readings)}
	ranges := make([]float64, 0, len(s.Readings))
	for _, r := range s.Readings {
		if r.Valid {
			ranges = append(ranges, float64(r.Range))
		}
	}
	sum.Valid = len(ranges)
	if len(ranges) == 0 {
		return sum
	}
	sum.Min = floats.Min(ranges)
	sum.Max = floats.Max(ranges)
	sum.Mean, sum.StdDev = stat.MeanStdDev(ranges, nil)
	if math.IsNaN(sum.StdDev) {
		sum.StdDev = 0
	}
	return sum
}

// AttachRoutes serves scan views under /laser/{n}/:
//
//	/laser/{n}/readings   JSON scan and summary
//	/laser/{n}/chart      interactive scatter (HTML)
//	/laser/{n}/scan.png   static plot
func AttachRoutes(mux *http.ServeMux, finder Finder) {
	mux.HandleFunc("/laser/", func(w http.ResponseWriter, r *http.Request) {
		handleLaser(w, r, finder)
	})
}

func handleLaser(w http.ResponseWriter, r *http.Request, finder Finder) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	const prefix = "/laser/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	num, view, _ := strings.Cut(rest, "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		httputil.BadRequest(w, "invalid laser number")
		return
	}
	l, ok := finder.FindLaser(n)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no laser %d", n))
		return
	}

	switch view {
	case "readings", "":
		scan := l.Readings()
		httputil.WriteJSONOK(w, map[string]any{
			"name":               l.Name(),
			"absolute_max_range": l.AbsoluteMaxRange(),
			"summary":            Summarise(scan),
			"scan":               scan,
		})
	case "chart":
		serveChart(w, l)
	case "scan.png":
		servePlot(w, l)
	default:
		httputil.NotFound(w, "unknown laser view")
	}
}

// points converts valid readings to sensor-frame x/y in metres.
func points(s Scan) (xs, ys []float64) {
	for _, r := range s.Readings {
		if !r.Valid {
			continue
		}
		th := r.Angle * math.Pi / 180
		rng := float64(r.Range) / 1000
		xs = append(xs, rng*math.Cos(th))
		ys = append(ys, rng*math.Sin(th))
	}
	return xs, ys
}

func serveChart(w http.ResponseWriter, l Laser) {
	scan := l.Readings()
	xs, ys := points(scan)
	data := make([]opts.ScatterData, len(xs))
	for i := range xs {
		data[i] = opts.ScatterData{Value: []interface{}{xs[i], ys[i]}}
	}

	pad := float64(l.AbsoluteMaxRange()) / 1000 * 1.05
	if pad == 0 {
		pad = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Laser " + l.Name(), Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: l.Name(), Subtitle: fmt.Sprintf("points=%d at %s", len(data), scan.Time.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("scan", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func servePlot(w http.ResponseWriter, l Laser) {
	xs, ys := points(l.Readings())
	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i] = plotter.XY{X: xs[i], Y: ys[i]}
	}

	p := plot.New()
	p.Title.Text = l.Name()
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(pts) > 0 {
		s, err := plotter.NewScatter(pts)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		s.GlyphStyle.Radius = vg.Points(1)
		s.GlyphStyle.Color = color.RGBA{R: 31, G: 158, B: 137, A: 255}
		p.Add(s)
	}

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
