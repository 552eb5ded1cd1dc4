package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/rover/internal/config"
)

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Commands(t *testing.T) {
	s := New()
	s.AddData("echo", "returns its arguments", func(_ context.Context, args json.RawMessage) (any, error) {
		var v map[string]any
		if err := DecodeArgs(args, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
	s.AddCommand("poke", "changes something", func(context.Context, json.RawMessage) (any, error) { return "ok", nil })

	var names []string
	for _, c := range s.Commands() {
		names = append(names, c.Name)
	}
	want := []string{"echo", "listCommands", "listModes", "poke", "switchMode"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Commands() mismatch (-want +got):\n%s", diff)
	}

	res, err := s.Call(context.Background(), "listCommands", nil, "")
	require.NoError(t, err)
	assert.Len(t, res, len(want))

	_, err = s.Call(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestServer_HTTPAPI(t *testing.T) {
	s := New()
	s.AddData("echo", "returns its arguments", func(_ context.Context, args json.RawMessage) (any, error) {
		var v map[string]any
		if err := DecodeArgs(args, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
	s.AddData("fail", "always fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/commands", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var cmds []Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	assert.NotEmpty(t, cmds)

	rec = do(t, h, http.MethodPost, "/api/echo", `{"a": 1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"a": 1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/echo", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/nope", "", http.StatusNotFound},
		{http.MethodPost, "/api/echo", `{"a":`, http.StatusBadRequest},
		{http.MethodDelete, "/api/echo", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/fail", "", http.StatusInternalServerError},
		{http.MethodPost, "/api/echo", `{"a":"` + strings.Repeat("x", maxArgsSize) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_ModeLockedIsConflict(t *testing.T) {
	s, _, _, _, jog := newModeServer()
	require.NoError(t, jog.Activate())
	require.NoError(t, jog.LockMode(false))

	rec := do(t, s.Handler(), http.MethodPost, "/api/switchMode", `{"name": "stop"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s.Handler(), http.MethodPost, "/api/switchMode", `{"name": "warp"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Secret(t *testing.T) {
	s, _, _, _, _ := newModeServer()
	s.SetSecret("s3cret")
	h := s.Handler()

	good, err := NewToken("s3cret", "operator", time.Minute)
	require.NoError(t, err)
	wrong, err := NewToken("other", "operator", time.Minute)
	require.NoError(t, err)
	expired, err := NewToken("s3cret", "operator", -time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/listModes", "").Code, "data handlers stay open")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/stop", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/stop", "", "Authorization", "Bearer "+wrong).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/stop", "", "Authorization", "Bearer "+expired).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/stop", "", "Authorization", "Bearer "+good).Code)

	s.SetSecret("")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/stop", "").Code)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "abc", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}

func newOpener(t *testing.T, argv ...string) *SimpleOpener {
	t.Helper()
	args := config.NewArgs("test", io.Discard)
	o := NewSimpleOpener(args)
	require.NoError(t, args.Parse(argv))
	require.NoError(t, args.CheckHelpAndWarnUnparsed())
	return o
}

func TestSimpleOpener(t *testing.T) {
	assert.Equal(t, DefaultPort, newOpener(t).Port())

	s, _, _, _, _ := newModeServer()
	assert.Error(t, s.RunAsync(context.Background()), "not listening yet")

	o := newOpener(t, "-server-host", "127.0.0.1", "-server-port", "0")
	require.NoError(t, o.Open(s))
	addr := s.Addr()
	require.NotNil(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.RunAsync(ctx))
	defer s.Close()

	resp, err := http.Get("http://" + addr.String() + "/api/listModes")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jogPosition")

	// gRPC shares the port through h2c.
	conn, err := grpc.NewClient(addr.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, FullMethod("ListModes"), &emptypb.Empty{}, out))
	assert.Equal(t, "stop", out.GetFields()["active"].GetStringValue())

	port := addr.String()[strings.LastIndex(addr.String(), ":")+1:]
	busy := newOpener(t, "-server-host", "127.0.0.1", "-server-port", port)
	err = busy.Open(New())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), fmt.Sprintf("could not open server on port %s", port)), err.Error())
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = buf.WriteString("served")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?y=1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "served", buf.String())

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
