package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"ippproxy/internal/model"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/store"
)

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (model.User, bool) {
	u, err := s.Access.Authenticate(r.Context(), r)
	if err != nil || !u.IsAdmin {
		w.Header().Set("WWW-Authenticate", `Basic realm="ippproxy"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return model.User{}, false
	}
	return u, true
}

// handleAdminEvents streams admin events over a websocket.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.Hub == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	s.Hub.ServeHTTP(w, r)
}

type releaseResponse struct {
	Ticket    int64   `json:"ticket"`
	CupsJobs  []int   `json:"cupsJobs"`
	PrintOuts []int64 `json:"printOuts"`
	Error     string  `json:"error,omitempty"`
}

// handleTicketRelease serves POST /admin/tickets/{id}/release.
func (s *Server) handleTicketRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/tickets/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || action != "release" {
		http.NotFound(w, r)
		return
	}
	u, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if s.Proxy == nil {
		http.Error(w, "proxy printing disabled", http.StatusServiceUnavailable)
		return
	}
	out, err := s.Proxy.ReleaseTicket(r.Context(), id)
	resp := releaseResponse{Ticket: id}
	for _, po := range out {
		resp.CupsJobs = append(resp.CupsJobs, po.CupsJobID)
		resp.PrintOuts = append(resp.PrintOuts, po.ID)
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, proxyprint.ErrTicketState):
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
		s.Logger.Warn("release ticket", "ticket", id, "admin", u.Username, "err", err)
	} else {
		s.Logger.Info("ticket released", "ticket", id, "admin", u.Username, "jobs", len(out))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type inboxPrintRequest struct {
	Printer     string            `json:"printer"`
	JobName     string            `json:"jobName,omitempty"`
	Pages       string            `json:"pages,omitempty"`
	Copies      int               `json:"copies,omitempty"`
	Duplex      bool              `json:"duplex,omitempty"`
	Grayscale   bool              `json:"grayscale,omitempty"`
	Eco         bool              `json:"eco,omitempty"`
	NUp         int               `json:"nUp,omitempty"`
	MediaSize   string            `json:"mediaSize,omitempty"`
	MediaSource string            `json:"mediaSource,omitempty"`
	Scaling     string            `json:"scaling,omitempty"`
	Clear       string            `json:"clear,omitempty"`
	Ticket      bool              `json:"ticket,omitempty"`
	Jobs        []int64           `json:"jobs,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

type inboxPrintResponse struct {
	User      string  `json:"user"`
	Printer   string  `json:"printer"`
	Chunks    int     `json:"chunks"`
	TotalCost int64   `json:"totalCost"`
	Ticket    int64   `json:"ticket,omitempty"`
	CupsJobs  []int   `json:"cupsJobs"`
	PrintOuts []int64 `json:"printOuts"`
	Error     string  `json:"error,omitempty"`
}

func parseClear(v string) (proxyprint.Clear, bool) {
	switch c := proxyprint.Clear(strings.ToUpper(strings.TrimSpace(v))); c {
	case "":
		return proxyprint.ClearNone, true
	case proxyprint.ClearAll, proxyprint.ClearJobs, proxyprint.ClearPages, proxyprint.ClearNone:
		return c, true
	}
	return "", false
}

// handleInboxPrint serves POST /admin/inbox/{user}/print. It prints the
// user's inbox, or the selected jobs and pages of it, on a CUPS printer.
func (s *Server) handleInboxPrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/inbox/")
	user, action, _ := strings.Cut(rest, "/")
	if user == "" || action != "print" {
		http.NotFound(w, r)
		return
	}
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	if s.Proxy == nil {
		http.Error(w, "proxy printing disabled", http.StatusServiceUnavailable)
		return
	}
	var body inboxPrintRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Printer) == "" {
		http.Error(w, "printer required", http.StatusBadRequest)
		return
	}
	scope, ok := parseClear(body.Clear)
	if !ok {
		http.Error(w, "clear must be ALL, JOBS, PAGES or NONE", http.StatusBadRequest)
		return
	}

	res, err := s.Proxy.Print(r.Context(), proxyprint.Request{
		Username:    user,
		Printer:     body.Printer,
		JobName:     body.JobName,
		Pages:       body.Pages,
		Copies:      body.Copies,
		Duplex:      body.Duplex,
		Grayscale:   body.Grayscale,
		Eco:         body.Eco,
		NUp:         body.NUp,
		MediaSize:   body.MediaSize,
		MediaSource: body.MediaSource,
		Scaling:     body.Scaling,
		Clear:       scope,
		Ticket:      body.Ticket,
		Jobs:        body.Jobs,
		Options:     body.Options,
	})
	resp := inboxPrintResponse{
		User:      user,
		Printer:   body.Printer,
		Chunks:    len(res.Chunks),
		TotalCost: res.TotalCost,
		Ticket:    res.TicketID,
	}
	for _, po := range res.PrintOuts {
		resp.CupsJobs = append(resp.CupsJobs, po.CupsJobID)
		resp.PrintOuts = append(resp.PrintOuts, po.ID)
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, proxyprint.ErrUnknownPrinter):
			status = http.StatusNotFound
		case errors.Is(err, proxyprint.ErrAccessDenied):
			status = http.StatusForbidden
		case errors.Is(err, proxyprint.ErrInsufficientCredit):
			status = http.StatusPaymentRequired
		case errors.Is(err, proxyprint.ErrInvalidPages):
			status = http.StatusBadRequest
		case errors.Is(err, proxyprint.ErrEmptyInbox):
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
		s.Logger.Warn("print inbox", "user", user, "printer", body.Printer, "admin", admin.Username, "err", err)
	} else {
		s.Logger.Info("inbox printed", "user", user, "printer", body.Printer, "admin", admin.Username,
			"chunks", resp.Chunks, "cost", resp.TotalCost, "ticket", resp.Ticket)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePrinterRefresh reloads the printer cache while IPP requests are
// held off.
func (s *Server) handlePrinterRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.Printers == nil {
		http.Error(w, "no printer cache", http.StatusServiceUnavailable)
		return
	}
	err := s.Gate.Exclusive(func() error {
		return s.Printers.Refresh(r.Context(), true)
	})
	if err != nil {
		s.Logger.Error("refresh printers", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"printers": len(s.Printers.Printers())})
}
