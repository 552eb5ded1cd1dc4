package devport

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/rover/internal/httputil"
	"tailscale.com/tsweb"
)

// trackedPort counts traffic on an open link so operators can see which
// devices are alive from the debug pages.
type trackedPort struct {
	Port
	addr     Address
	opts     Options
	openedAt time.Time
	rx       atomic.Int64
	tx       atomic.Int64
	closed   atomic.Bool
}

var (
	openMu    sync.Mutex
	openPorts = make(map[*trackedPort]struct{})
)

func track(a Address, opts Options, p Port) Port {
	t := &trackedPort{Port: p, addr: a, opts: opts, openedAt: time.Now()}
	openMu.Lock()
	openPorts[t] = struct{}{}
	openMu.Unlock()
	return t
}

func (t *trackedPort) Read(b []byte) (int, error) {
	n, err := t.Port.Read(b)
	t.rx.Add(int64(n))
	return n, err
}

func (t *trackedPort) Write(b []byte) (int, error) {
	n, err := t.Port.Write(b)
	t.tx.Add(int64(n))
	return n, err
}

func (t *trackedPort) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	openMu.Lock()
	delete(openPorts, t)
	openMu.Unlock()
	return t.Port.Close()
}

// PortStatus describes one open device link.
type PortStatus struct {
	Address  string    `json:"address"`
	Mode     string    `json:"mode,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
	RxBytes  int64     `json:"rx_bytes"`
	TxBytes  int64     `json:"tx_bytes"`
}

// OpenPorts returns the status of every link opened through Open and not yet
// closed, sorted by address.
func OpenPorts() []PortStatus {
	openMu.Lock()
	out := make([]PortStatus, 0, len(openPorts))
	for t := range openPorts {
		st := PortStatus{
			Address:  t.addr.String(),
			OpenedAt: t.openedAt,
			RxBytes:  t.rx.Load(),
			TxBytes:  t.tx.Load(),
		}
		if t.addr.Kind == KindSerial {
			st.Mode = t.opts.String()
		}
		out = append(out, st)
	}
	openMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AttachAdminRoutes mounts the open-link listing at /debug/ports.
func AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("ports", "open device links", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, OpenPorts())
	})
}
