package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rover/internal/httputil"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/ptz"
	"github.com/banshee-data/rover/internal/server"
)

// MJPEG frame rate bounds for /video/{n}/mjpeg?fps=N.
const (
	DefaultFPS = 5
	MaxFPS     = 30
)

// CameraInfo describes a camera and its PTZ head, if any.
type CameraInfo struct {
	Number int         `json:"number"`
	Name   string      `json:"name"`
	PTZ    *ptz.Status `json:"ptz,omitempty"`
}

// PTZRequest moves a head. Omitted fields keep their current value.
type PTZRequest struct {
	Camera int      `json:"camera"`
	Pan    *float64 `json:"pan,omitempty"`
	Tilt   *float64 `json:"tilt,omitempty"`
	Zoom   *int     `json:"zoom,omitempty"`
}

type videoServer struct {
	vc *Connector
	pc *ptz.Connector
}

// CreateServers attaches the cameras and PTZ heads to srv:
//
//	/video/{n}/snapshot.jpg   one JPEG frame
//	/video/{n}/mjpeg          multipart JPEG stream, ?fps=N
//	/ptz/{n}                  GET position, POST {pan, tilt, zoom}
//
// and registers the "listCameras" and "getPTZ" data handlers and the
// "setPTZ" command. It fails when either connector has no device.
func CreateServers(srv *server.Server, vc *Connector, pc *ptz.Connector) error {
	if vc == nil || vc.NumFrameGrabbers() == 0 {
		return errors.New("no frame grabber connected")
	}
	if pc == nil || pc.NumPTZs() == 0 {
		return errors.New("no PTZ head connected")
	}
	vs := &videoServer{vc: vc, pc: pc}

	mux := srv.ServeMux()
	mux.HandleFunc("/video/", vs.handleVideo)
	mux.HandleFunc("/ptz/", func(w http.ResponseWriter, r *http.Request) {
		vs.handlePTZ(w, r, srv)
	})

	srv.AddData("listCameras", "lists the cameras and their PTZ heads", func(context.Context, json.RawMessage) (any, error) {
		return vs.cameras(), nil
	})
	srv.AddData("getPTZ", "position of a PTZ head: {camera}", func(_ context.Context, args json.RawMessage) (any, error) {
		var req PTZRequest
		if err := server.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		head, err := vs.head(req.Camera)
		if err != nil {
			return nil, err
		}
		return ptz.StatusOf(head), nil
	})
	srv.AddCommand("setPTZ", "moves a PTZ head: {camera, pan, tilt, zoom}", func(ctx context.Context, args json.RawMessage) (any, error) {
		var req PTZRequest
		if err := server.DecodeArgs(args, &req); err != nil {
			return nil, err
		}
		return vs.move(ctx, req)
	})
	monitoring.Logf("video server: %d camera(s), %d PTZ head(s)", vc.NumFrameGrabbers(), pc.NumPTZs())
	return nil
}

func (vs *videoServer) cameras() []CameraInfo {
	out := make([]CameraInfo, 0, vs.vc.NumFrameGrabbers())
	for n := 1; n <= vs.vc.NumFrameGrabbers(); n++ {
		g, _ := vs.vc.FrameGrabber(n)
		info := CameraInfo{Number: n, Name: g.Name()}
		if head, ok := vs.pc.PTZ(n); ok {
			st := ptz.StatusOf(head)
			info.PTZ = &st
		}
		out = append(out, info)
	}
	return out
}

func (vs *videoServer) head(n int) (ptz.PTZ, error) {
	if n == 0 {
		n = 1
	}
	head, ok := vs.pc.PTZ(n)
	if !ok {
		return nil, fmt.Errorf("%w: no PTZ head %d", server.ErrBadArguments, n)
	}
	return head, nil
}

func (vs *videoServer) move(ctx context.Context, req PTZRequest) (ptz.Status, error) {
	head, err := vs.head(req.Camera)
	if err != nil {
		return ptz.Status{}, err
	}
	if req.Pan != nil || req.Tilt != nil {
		pan, tilt := head.Pan(), head.Tilt()
		if req.Pan != nil {
			pan = *req.Pan
		}
		if req.Tilt != nil {
			tilt = *req.Tilt
		}
		if err := head.PanTilt(ctx, pan, tilt); err != nil {
			return ptz.Status{}, err
		}
	}
	if req.Zoom != nil {
		if err := head.Zoom(ctx, *req.Zoom); err != nil {
			return ptz.Status{}, err
		}
	}
	return ptz.StatusOf(head), nil
}

// pathNumber splits /prefix/{n}/rest.
func pathNumber(path, prefix string) (int, string, error) {
	num, rest, _ := strings.Cut(strings.TrimPrefix(path, prefix), "/")
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return 0, "", fmt.Errorf("invalid number %q", num)
	}
	return n, rest, nil
}

func (vs *videoServer) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	n, view, err := pathNumber(r.URL.Path, "/video/")
	if err != nil {
		httputil.BadRequest(w, "invalid camera number")
		return
	}
	g, ok := vs.vc.FrameGrabber(n)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no camera %d", n))
		return
	}
	switch view {
	case "snapshot.jpg", "":
		frame, err := g.Grab(r.Context())
		if err != nil {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
		_, _ = w.Write(frame)
	case "mjpeg":
		fps := DefaultFPS
		if v := r.URL.Query().Get("fps"); v != "" {
			f, err := strconv.Atoi(v)
			if err != nil || f < 1 || f > MaxFPS {
				httputil.BadRequest(w, fmt.Sprintf("fps must be 1-%d", MaxFPS))
				return
			}
			fps = f
		}
		streamMJPEG(r.Context(), w, g, fps)
	default:
		httputil.NotFound(w, "unknown video view")
	}
}

// streamMJPEG writes frames as multipart/x-mixed-replace until the client
// goes away or a capture fails.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, g FrameGrabber, fps int) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		frame, err := g.Grab(ctx)
		if err != nil {
			if ctx.Err() == nil {
				monitoring.Logf("mjpeg %s: %v", g.Name(), err)
			}
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (vs *videoServer) handlePTZ(w http.ResponseWriter, r *http.Request, srv *server.Server) {
	n, _, err := pathNumber(r.URL.Path, "/ptz/")
	if err != nil {
		httputil.BadRequest(w, "invalid PTZ number")
		return
	}
	switch r.Method {
	case http.MethodGet:
		head, ok := vs.pc.PTZ(n)
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("no PTZ head %d", n))
			return
		}
		httputil.WriteJSONOK(w, ptz.StatusOf(head))
	case http.MethodPost:
		if _, ok := vs.pc.PTZ(n); !ok {
			httputil.NotFound(w, fmt.Sprintf("no PTZ head %d", n))
			return
		}
		var req PTZRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := server.DecodeArgs(body, &req); err != nil {
			server.WriteCallError(w, err)
			return
		}
		req.Camera = n
		args, _ := json.Marshal(req)
		res, err := srv.Call(r.Context(), "setPTZ", args, server.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			server.WriteCallError(w, err)
			return
		}
		httputil.WriteJSONOK(w, res)
	default:
		httputil.MethodNotAllowed(w)
	}
}
