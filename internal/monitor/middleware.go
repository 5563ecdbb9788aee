package monitor

import (
	"bufio"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
)

// readOnly answers browser preflights and refuses every method that is not a
// read. Responses are never cached since the state changes every turn.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Cache-Control", "no-store")

		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
		case http.MethodOptions:
			h.Set("Access-Control-Allow-Methods", "GET")
			h.Set("Access-Control-Allow-Headers", "Authorization")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
		default:
			h.Set("Allow", "GET, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "the monitor is read-only")
		}
	})
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=. An empty
// token disables the check.
func authMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// meter counts what a handler sends. A feed subscriber shows up as a
// hijacked connection.
type meter struct {
	http.ResponseWriter
	status int
	bytes  int64
	feed   bool
}

func (m *meter) WriteHeader(status int) {
	if m.status == 0 {
		m.status = status
	}
	m.ResponseWriter.WriteHeader(status)
}

func (m *meter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += int64(n)
	return n, err
}

func (m *meter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(m.ResponseWriter).Hijack()
	if err == nil {
		m.feed = true
	}
	return conn, rw, err
}

func (m *meter) Unwrap() http.ResponseWriter { return m.ResponseWriter }

// accessLog writes one debug line per request. Feed connections are logged
// when the subscriber goes away, with how long it stayed.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		m := &meter{ResponseWriter: w}
		next.ServeHTTP(m, r)
		if m.status == 0 {
			m.status = http.StatusOK
		}

		elapsed := time.Since(started).Milliseconds()
		if m.feed {
			debug.LogKV("monitor", "feed closed", "remote", r.RemoteAddr, "connected_ms", elapsed)
			return
		}
		debug.LogKV("monitor", "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.status,
			"bytes", m.bytes,
			"remote", r.RemoteAddr,
			"duration_ms", elapsed,
		)
	})
}
