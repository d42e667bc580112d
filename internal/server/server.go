package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/charmbracelet/log"

	"ippproxy/internal/access"
	"ippproxy/internal/config"
	"ippproxy/internal/model"
	"ippproxy/internal/notify"
	"ippproxy/internal/printercache"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/spool"
	"ippproxy/internal/store"
)

// PageCounter counts the pages of a spooled PDF.
type PageCounter interface {
	CountPages(path string) (int, error)
}

// Forwarder hands inbox jobs to the proxy-print pipeline.
type Forwarder interface {
	Print(ctx context.Context, req proxyprint.Request) (proxyprint.Result, error)
	ReleaseTicket(ctx context.Context, id int64) ([]model.PrintOut, error)
}

type Server struct {
	Config   config.Config
	Store    *store.Store
	Spool    *spool.Spool
	Access   *access.Controller
	Printers *printercache.Cache
	Proxy    Forwarder
	Pages    PageCounter
	Hub      *notify.Hub
	Events   *notify.Publisher
	Gate     *Gate
	Logger   *log.Logger

	once    sync.Once
	started time.Time
	version goipp.Version
}

func (s *Server) prepare() {
	s.once.Do(func() {
		s.started = time.Now()
		if s.Gate == nil {
			s.Gate = &Gate{}
		}
		if s.Logger == nil {
			s.Logger = log.New(io.Discard)
		}
		v, err := s.Config.IPPVersion()
		if err != nil {
			v = goipp.MakeVersion(2, 0)
		}
		s.version = v
	})
}

func (s *Server) Handler() http.Handler {
	s.prepare()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxRequestSize)
		}
		switch {
		case r.URL.Path == "/admin/events":
			s.handleAdminEvents(w, r)
		case strings.HasPrefix(r.URL.Path, "/admin/tickets/"):
			s.handleTicketRelease(w, r)
		case strings.HasPrefix(r.URL.Path, "/admin/inbox/"):
			s.handleInboxPrint(w, r)
		case r.URL.Path == "/admin/printers/refresh":
			s.handlePrinterRefresh(w, r)
		case r.URL.Path == "/ipp/print" || strings.HasPrefix(r.URL.Path, "/printers/"):
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if !isIPP(r) {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
				return
			}
			s.handleIPP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func isIPP(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.EqualFold(strings.TrimSpace(ct), goipp.ContentType)
}

// queueFromPath maps a request path or printer-uri path to a queue name.
func (s *Server) queueFromPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	switch {
	case p == "/ipp/print":
		return s.Config.DefaultQueue
	case strings.HasPrefix(p, "/printers/"):
		return strings.TrimPrefix(p, "/printers/")
	}
	return ""
}

// host returns the authority used in generated URIs.
func (s *Server) host(r *http.Request) string {
	if r != nil && r.Host != "" {
		return r.Host
	}
	port := dnssdPort(s.Config)
	name := s.Config.ServerName
	if name == "" {
		name = "localhost"
	}
	return net.JoinHostPort(name, strconv.Itoa(port))
}

func (s *Server) printerURI(r *http.Request, queue string) string {
	return "ipp://" + s.host(r) + "/printers/" + queue
}

func (s *Server) jobURI(r *http.Request, id int64) string {
	return "ipp://" + s.host(r) + "/jobs/" + strconv.FormatInt(id, 10)
}

// upTime is printer-up-time: seconds since start, never zero.
func (s *Server) upTime() int {
	return int(time.Since(s.started)/time.Second) + 1
}
