// Package monitor serves a read-only HTTP view of a running session: the loop
// state, the transcript, and a websocket feed of both as they change.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/mdns"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/events"
	"github.com/agusx1211/letthemcook/internal/loop"
	"github.com/agusx1211/letthemcook/internal/stream"
)

// DefaultAddr is used when Options.Addr is empty.
const DefaultAddr = "127.0.0.1:7345"

const snapshotEvents = 100

// StateSource provides the loop state.
type StateSource interface {
	Snapshot() loop.Snapshot
}

// TranscriptSource provides the session transcript.
type TranscriptSource interface {
	ID() string
	Snapshot() []stream.Event
}

// Options configures the monitor.
type Options struct {
	Addr  string
	Token string
	// MDNS advertises the server as ServiceType under Name.
	MDNS bool
	Name string
}

// Server hosts the monitor API and feed.
type Server struct {
	opts       Options
	state      StateSource
	transcript TranscriptSource
	hub        *Hub
	httpServer *http.Server
	addr       string
	mdns       *mdns.Server
}

// New builds a server. Nothing listens until Start.
func New(opts Options, state StateSource, tr TranscriptSource) *Server {
	if strings.TrimSpace(opts.Addr) == "" {
		opts.Addr = DefaultAddr
	}
	srv := &Server{
		opts:       opts,
		state:      state,
		transcript: tr,
		hub:        NewHub(),
		addr:       opts.Addr,
	}
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the full middleware-wrapped mux.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", srv.handleState)
	mux.HandleFunc("GET /api/transcript", srv.handleTranscript)
	mux.HandleFunc("GET /ws", srv.handleWebSocket)
	mux.HandleFunc("GET /api/{rest...}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return accessLog(readOnly(authMiddleware(srv.opts.Token, mux)))
}

// Start listens and serves in the background.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.opts.Addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", srv.opts.Addr, err)
	}
	srv.addr = ln.Addr().String()

	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.LogKV("monitor", "server stopped with error", "error", err)
		}
	}()

	if srv.opts.MDNS {
		m, err := Advertise(srv.opts.Name, srv.Port(), srv.URL())
		if err != nil {
			debug.LogKV("monitor", "mdns advertisement failed", "error", err)
		} else {
			srv.mdns = m
		}
	}
	debug.LogKV("monitor", "listening", "addr", srv.addr, "mdns", srv.mdns != nil)
	return nil
}

// Addr returns the bound host:port.
func (srv *Server) Addr() string { return srv.addr }

// Port returns the bound port, or 0 before Start.
func (srv *Server) Port() int {
	_, raw, err := net.SplitHostPort(srv.addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(raw)
	return port
}

// URL returns a browsable address. Wildcard binds resolve to the LAN IP.
func (srv *Server) URL() string {
	host, port, err := net.SplitHostPort(srv.addr)
	if err != nil {
		return "http://" + srv.addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if lan := lanIP(); lan != "" {
			host = lan
		}
	}
	u := "http://" + net.JoinHostPort(host, port)
	if srv.opts.Token != "" {
		u += "/api/state?token=" + srv.opts.Token
	}
	return u
}

// Publish sends env to every feed subscriber.
func (srv *Server) Publish(env events.Envelope) { srv.hub.Publish(env) }

// Shutdown ends the feed and stops the server.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.hub.Close()
	if srv.mdns != nil {
		_ = srv.mdns.Shutdown()
	}
	return srv.httpServer.Shutdown(ctx)
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.state.Snapshot())
}

type transcriptResponse struct {
	ID     string         `json:"id"`
	Total  int            `json:"total"`
	Events []stream.Event `json:"events"`
}

func (srv *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	evs := srv.transcript.Snapshot()
	total := len(evs)
	evs = tail(evs, limit)
	if evs == nil {
		evs = []stream.Event{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{ID: srv.transcript.ID(), Total: total, Events: evs})
}

func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Subscribe before the snapshot so nothing falls between the two.
	frames, cancel := srv.hub.Subscribe()
	defer cancel()

	ctx := ws.CloseRead(r.Context())

	snap := events.Envelope{Type: events.TypeSnapshot, Data: events.SnapshotMsg{
		TranscriptID: srv.transcript.ID(),
		State:        srv.state.Snapshot(),
		Events:       tail(srv.transcript.Snapshot(), snapshotEvents),
	}}
	data, err := snap.Encode()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "encode snapshot")
		return
	}
	if err := write(ctx, ws, data); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if err := write(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func tail(evs []stream.Event, n int) []stream.Event {
	if n > 0 && len(evs) > n {
		return evs[len(evs)-n:]
	}
	return evs
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("monitor", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
