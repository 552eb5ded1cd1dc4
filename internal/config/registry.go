package config

import (
	"net/http"
	"sort"
	"sync"

	"github.com/banshee-data/rover/internal/httputil"
	"tailscale.com/tsweb"
)

// Param is a single named, documented configuration value as exposed to
// operators.
type Param struct {
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
}

// Registry collects parameter sections contributed by components at bring-up
// so that operators can inspect the effective configuration in one place.
type Registry struct {
	mu       sync.Mutex
	sections map[string]func() []Param
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sections: make(map[string]func() []Param)}
}

// AddSection registers (or replaces) a named section. params is called on
// every read so values reflect the current state.
func (r *Registry) AddSection(name string, params func() []Param) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sections[name] = params
}

// SectionNames returns the registered section names, sorted.
func (r *Registry) SectionNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sections))
	for n := range r.sections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Section returns the current params of a section and whether it exists.
func (r *Registry) Section(name string) ([]Param, bool) {
	r.mu.Lock()
	fn, ok := r.sections[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return fn(), true
}

// Snapshot returns every section's params keyed by section name.
func (r *Registry) Snapshot() map[string][]Param {
	out := make(map[string][]Param)
	for _, name := range r.SectionNames() {
		if params, ok := r.Section(name); ok {
			out[name] = params
		}
	}
	return out
}

// AttachAdminRoutes mounts the effective configuration at /debug/config.
func (r *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("config", "effective robot configuration", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, r.Snapshot())
	})
}
