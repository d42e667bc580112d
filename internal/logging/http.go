package logging

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("logging: response writer cannot hijack")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func HTTPAccessMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		remote := strings.TrimSpace(r.RemoteAddr)
		if host, _, err := net.SplitHostPort(remote); err == nil {
			remote = host
		}
		user := "-"
		if u, _, ok := r.BasicAuth(); ok && strings.TrimSpace(u) != "" {
			user = strings.TrimSpace(u)
		}
		line := fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %d",
			remote,
			user,
			start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			status,
			rec.size,
		)
		Access(line)
	})
}

// PageEntry describes one PrintOut for the page log.
type PageEntry struct {
	JobID   int64
	User    string
	Printer string
	Title   string
	Copies  int
	Pages   int
	Sheets  int
	ESU     int64
	Result  string
}

// PageLogLine formats e as
// "printer user job-id time title copies pages sheets esu result".
func PageLogLine(e PageEntry) string {
	if e.Copies <= 0 {
		e.Copies = 1
	}
	return strings.Join([]string{
		orDash(e.Printer),
		orDash(e.User),
		strconv.FormatInt(e.JobID, 10),
		time.Now().Format(time.RFC3339),
		strings.ReplaceAll(orDefault(e.Title, "Untitled"), " ", "_"),
		strconv.Itoa(e.Copies),
		strconv.Itoa(e.Pages),
		strconv.Itoa(e.Sheets),
		strconv.FormatInt(e.ESU, 10),
		orDefault(e.Result, "ok"),
	}, " ")
}

func orDash(s string) string {
	return orDefault(s, "-")
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
