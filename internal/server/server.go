// Package server is the robot's network server. Components register named
// data handlers that are reachable over HTTP, the websocket update stream and
// the gRPC control service, all on one listening port.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/banshee-data/rover/internal/httputil"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

// DefaultUpdateInterval is the period of the update broadcast.
const DefaultUpdateInterval = 100 * time.Millisecond

const maxArgsSize = 64 * 1024

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArguments   = errors.New("bad arguments")
	ErrUnauthorized   = errors.New("unauthorized")
)

// DataHandler serves one named request. args holds the JSON argument object
// and may be empty.
type DataHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Command describes a registered data handler.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Protected   bool   `json:"protected"`
}

type entry struct {
	Command
	h DataHandler
}

type updater struct {
	name string
	fn   func() any
}

// Server dispatches named requests and broadcasts periodic updates.
type Server struct {
	mux   *http.ServeMux
	grpc  *grpc.Server
	hub   *hub
	modes *ModeSet

	// Clock drives the update broadcast.
	Clock timeutil.Clock
	// UpdateInterval is the broadcast period; DefaultUpdateInterval when zero.
	UpdateInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]entry
	updaters []updater
	secret   []byte

	lnMu sync.Mutex
	ln   net.Listener
	http *http.Server
}

// New returns a server with the built-in handlers registered.
func New() *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		Clock:    timeutil.RealClock{},
		handlers: make(map[string]entry),
	}
	s.hub = newHub(s)
	s.modes = newModeSet(s)
	s.grpc = grpc.NewServer()
	registerControl(s.grpc, s)

	s.mux.HandleFunc("/api/", s.handleAPI)
	s.mux.HandleFunc("/ws", s.hub.serveWS)

	s.AddData("listCommands", "lists the registered commands", func(context.Context, json.RawMessage) (any, error) {
		return s.Commands(), nil
	})
	s.modes.register()
	return s
}

// ServeMux returns the HTTP mux so components can attach routes.
func (s *Server) ServeMux() *http.ServeMux { return s.mux }

// GRPCServer returns the gRPC server carrying the control service.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Modes returns the drive mode set.
func (s *Server) Modes() *ModeSet { return s.modes }

// AddData registers a read-only handler. A handler with the same name is
// replaced.
func (s *Server) AddData(name, description string, h DataHandler) {
	s.add(Command{Name: name, Description: description}, h)
}

// AddCommand registers a handler that changes robot state. When a secret is
// set, callers must present a valid token.
func (s *Server) AddCommand(name, description string, h DataHandler) {
	s.add(Command{Name: name, Description: description, Protected: true}, h)
}

func (s *Server) add(c Command, h DataHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[c.Name] = entry{Command: c, h: h}
}

// Commands lists the registered handlers sorted by name.
func (s *Server) Commands() []Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Command, 0, len(s.handlers))
	for _, e := range s.handlers {
		out = append(out, e.Command)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named handler. token is checked for protected handlers.
func (s *Server) Call(ctx context.Context, name string, args json.RawMessage, token string) (any, error) {
	s.mu.RLock()
	e, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if e.Protected {
		if err := s.authorize(token); err != nil {
			return nil, err
		}
	}
	return e.h(ctx, args)
}

// AddUpdate registers a payload broadcast to every stream client on each
// update interval.
func (s *Server) AddUpdate(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.updaters {
		if u.name == name {
			s.updaters[i].fn = fn
			return
		}
	}
	s.updaters = append(s.updaters, updater{name: name, fn: fn})
}

func (s *Server) updateInterval() time.Duration {
	if s.UpdateInterval <= 0 {
		return DefaultUpdateInterval
	}
	return s.UpdateInterval
}

// Broadcast sends every registered update to the connected clients once.
func (s *Server) Broadcast() {
	if s.hub.count() == 0 {
		return
	}
	s.mu.RLock()
	ups := append([]updater(nil), s.updaters...)
	s.mu.RUnlock()
	for _, u := range ups {
		msg, err := json.Marshal(wsMessage{Type: "update", Name: u.name, Data: u.fn()})
		if err != nil {
			monitoring.Logf("update %s: %v", u.name, err)
			continue
		}
		s.hub.broadcast(msg)
	}
}

// RunBroadcast broadcasts updates every interval until ctx is done.
func (s *Server) RunBroadcast(ctx context.Context) {
	ticker := s.Clock.NewTicker(s.updateInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Broadcast()
		}
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	if name == "" || name == "commands" {
		httputil.WriteJSONOK(w, s.Commands())
		return
	}

	var args json.RawMessage
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxArgsSize+1))
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("failed to read body: %v", err))
			return
		}
		if len(body) > maxArgsSize {
			httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		args = body
	default:
		httputil.MethodNotAllowed(w)
		return
	}

	res, err := s.Call(r.Context(), name, args, BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		WriteCallError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

// WriteCallError writes err from Call as a JSON error with its HTTP status.
func WriteCallError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, ErrBadArguments):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrModeLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// DecodeArgs unmarshals handler arguments into v. Empty args leave v
// untouched.
func DecodeArgs(args json.RawMessage, v any) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return nil
}

// Handler returns the complete HTTP handler: request logging for the web
// routes and gRPC over cleartext HTTP/2 on the same port.
func (s *Server) Handler() http.Handler {
	web := LoggingMiddleware(s.mux)
	return h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			s.grpc.ServeHTTP(w, r)
			return
		}
		web.ServeHTTP(w, r)
	}), &http2.Server{})
}

// Listen binds the server's listener.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln != nil {
		_ = ln.Close()
		return errors.New("server already listening")
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// RunAsync serves the bound listener and the update broadcast on their own
// goroutines until ctx is done.
func (s *Server) RunAsync(ctx context.Context) error {
	s.lnMu.Lock()
	ln := s.ln
	if ln == nil {
		s.lnMu.Unlock()
		return errors.New("server is not listening")
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.http = srv
	s.lnMu.Unlock()

	go s.RunBroadcast(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Logf("server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	monitoring.Logf("server listening on %s", ln.Addr())
	return nil
}

// Close stops the listener, the HTTP server and the gRPC service, and
// disconnects stream clients.
func (s *Server) Close() error {
	s.lnMu.Lock()
	srv, ln := s.http, s.ln
	s.http = nil
	s.lnMu.Unlock()

	s.hub.closeAll()
	s.grpc.Stop()
	if srv == nil {
		if ln != nil {
			return ln.Close()
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("server shutdown error: %v", err)
		return srv.Close()
	}
	return nil
}

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("connection does not support hijacking")
	}
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter { return lrw.ResponseWriter }

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket and MJPEG streams are logged when they end.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
