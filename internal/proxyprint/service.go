// Package proxyprint turns inbox documents into CUPS jobs, pricing and
// recording every job it submits.
package proxyprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/charmbracelet/log"

	"ippproxy/internal/accounting"
	"ippproxy/internal/cupsclient"
	"ippproxy/internal/jobstatus"
	"ippproxy/internal/logging"
	"ippproxy/internal/model"
	"ippproxy/internal/pdfgen"
	"ippproxy/internal/printercache"
)

var (
	ErrInsufficientCredit = errors.New("proxyprint: insufficient credit")
	ErrUnknownPrinter     = errors.New("proxyprint: unknown printer")
	ErrAccessDenied       = errors.New("proxyprint: printer access denied")
	ErrEmptyInbox         = errors.New("proxyprint: inbox is empty")
	ErrTicketState        = errors.New("proxyprint: ticket is not pending")
)

type Printers interface {
	Printer(name string) (*printercache.Printer, bool)
}

// lazyPrinters is a printer list that loads itself on first use.
type lazyPrinters interface {
	LazyInit(ctx context.Context) error
}

type AccessChecker interface {
	PrinterAccessGranted(ctx context.Context, printer, username string) (bool, error)
}

// Accounting prices chunks and holds the user's credit. Reserve must check
// and debit in one step so concurrent prints cannot overdraw an account.
type Accounting interface {
	CalcCost(ctx context.Context, req accounting.CostRequest) (accounting.CostResult, error)
	Reserve(ctx context.Context, username string, amount int64) (bool, error)
	Refund(ctx context.Context, username string, amount int64) error
}

type Generator interface {
	Generate(ctx context.Context, req pdfgen.Request) (int, error)
}

type Submitter interface {
	PrintJob(ctx context.Context, printer, user, jobName, format string, template goipp.Attributes, doc io.Reader) (cupsclient.Job, error)
}

type Monitor interface {
	NotifyPrintOut(e jobstatus.Event) error
}

// Files holds the files submitted for each chunk.
type Files interface {
	OutputPath(jobID int64, chunk int) string
	Copy(src, dst string) error
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
}

type Store interface {
	UserInbox(ctx context.Context, username string) ([]model.InboxJob, error)
	ClearInbox(ctx context.Context, remove []int64, deleted map[int64][]int) error
	PersistPrintOut(ctx context.Context, p *model.PrintOut) error
	PrinterRequiresTicket(ctx context.Context, printer string) (bool, error)
	CreateJobTicket(ctx context.Context, t model.JobTicket) (model.JobTicket, error)
	GetJobTicket(ctx context.Context, id int64) (model.JobTicket, error)
	ClaimJobTicket(ctx context.Context, id int64, from, to string) (bool, error)
	UpdateJobTicketState(ctx context.Context, id int64, state string) error
}

type Service struct {
	Printers   Printers
	Access     AccessChecker
	Accounting Accounting
	Generator  Generator
	Submitter  Submitter
	Monitor    Monitor
	Files      Files
	Store      Store
	Logger     *log.Logger
}

type Result struct {
	Chunks    []Chunk
	PrintOuts []model.PrintOut
	TotalCost int64
	TicketID  int64
}

// Print prints the selected inbox pages of req.Username. The cost of every
// chunk is taken from the account before the first one is submitted; when
// the credit does not cover it nothing is submitted. Submission stops at the
// first failing chunk and the chunks that did not print are refunded. A held
// ticket keeps its cost reserved until it is released.
func (s *Service) Print(ctx context.Context, req Request) (Result, error) {
	printer, err := s.printer(ctx, req.Printer)
	if err != nil {
		return Result{}, err
	}
	granted, err := s.Access.PrinterAccessGranted(ctx, printer.Name, req.Username)
	if err != nil {
		return Result{}, err
	}
	if !granted {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrAccessDenied, req.Username, printer.Name)
	}
	inbox, err := s.Store.UserInbox(ctx, req.Username)
	if err != nil {
		return Result{}, err
	}
	if len(req.Jobs) > 0 {
		inbox = selectJobs(inbox, req.Jobs)
	}
	if len(inbox) == 0 {
		return Result{}, ErrEmptyInbox
	}
	chunks, err := BuildChunks(req, inbox, printer)
	if err != nil {
		return Result{}, err
	}

	res := Result{Chunks: chunks}
	for i := range chunks {
		c := &chunks[i]
		c.Cost, err = s.Accounting.CalcCost(ctx, accounting.CostRequest{
			Username:      req.Username,
			MediaSize:     c.MediaSize,
			Duplex:        req.Duplex,
			Grayscale:     req.Grayscale,
			Eco:           req.Eco,
			Copies:        req.Copies,
			NUp:           req.NUp,
			LogicalPages:  c.LogicalPages,
			PhysicalPages: c.PhysicalPages,
		})
		if err != nil {
			return Result{}, fmt.Errorf("cost of chunk %d: %w", i+1, err)
		}
		res.TotalCost += c.Cost.Total
	}
	ticket := req.Ticket
	if !ticket {
		if ticket, err = s.Store.PrinterRequiresTicket(ctx, printer.Name); err != nil {
			return Result{}, err
		}
	}
	ok, err := s.Accounting.Reserve(ctx, req.Username, res.TotalCost)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: cost %d", ErrInsufficientCredit, res.TotalCost)
	}

	if ticket {
		id, err := s.holdTicket(ctx, req, printer, chunks, inbox[0].ID, res.TotalCost)
		if err != nil {
			s.refund(ctx, req.Username, res.TotalCost)
			return Result{}, err
		}
		res.TicketID = id
	} else {
		for i, c := range chunks {
			pj, err := s.buildPrintJob(ctx, req, printer, c, inbox[0].ID, i+1)
			if err == nil {
				var po model.PrintOut
				po, err = s.submit(ctx, pj, 0)
				_ = s.Files.Remove(pj.Path)
				if err == nil {
					res.PrintOuts = append(res.PrintOuts, po)
					continue
				}
			}
			s.refund(ctx, req.Username, chunkCost(chunks[i:]))
			return res, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	if err := s.clearInbox(ctx, req.Clear, inbox, chunks); err != nil {
		return res, fmt.Errorf("clear inbox: %w", err)
	}
	return res, nil
}

func (s *Service) refund(ctx context.Context, username string, amount int64) {
	if amount <= 0 {
		return
	}
	if err := s.Accounting.Refund(ctx, username, amount); err != nil && s.Logger != nil {
		s.Logger.Error("refund unprinted chunks", "user", username, "amount", amount, "err", err)
	}
}

func chunkCost(chunks []Chunk) int64 {
	var total int64
	for _, c := range chunks {
		total += c.Cost.Total
	}
	return total
}

func (s *Service) printer(ctx context.Context, name string) (*printercache.Printer, error) {
	if l, ok := s.Printers.(lazyPrinters); ok {
		if err := l.LazyInit(ctx); err != nil && s.Logger != nil {
			s.Logger.Warn("printer list unavailable", "err", err)
		}
	}
	p, ok := s.Printers.Printer(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrinter, name)
	}
	return p, nil
}

// printJob is everything needed to submit one generated chunk.
type printJob struct {
	Username  string            `json:"username"`
	Printer   string            `json:"printer"`
	JobName   string            `json:"job_name"`
	Path      string            `json:"path"`
	Format    string            `json:"format,omitempty"`
	Template  map[string]string `json:"template"`
	Duplex    bool              `json:"duplex"`
	Grayscale bool              `json:"grayscale"`
	Copies    int               `json:"copies"`
	Pages     int               `json:"pages"`
	Sheets    int               `json:"sheets"`
	MediaSize string            `json:"media_size"`
	ESU       int64             `json:"esu"`
	Cost      int64             `json:"cost"`
}

func (s *Service) buildPrintJob(ctx context.Context, req Request, printer *printercache.Printer, c Chunk, baseID int64, n int) (printJob, error) {
	out := s.Files.OutputPath(baseID, n)
	var format string
	if len(c.Docs) == 1 && c.Docs[0].Format != "" {
		// Copied so a held ticket outlives the inbox document.
		format = c.Docs[0].Format
		out = strings.TrimSuffix(out, filepath.Ext(out)) + filepath.Ext(c.Docs[0].Path)
		if err := s.Files.Copy(c.Docs[0].Path, out); err != nil {
			return printJob{}, fmt.Errorf("copy chunk %d: %w", n, err)
		}
	} else {
		docs := make([]pdfgen.Document, len(c.Docs))
		for i, d := range c.Docs {
			docs[i] = pdfgen.Document{Path: d.Path, Pages: d.Pages, Fillers: d.Fillers}
		}
		if _, err := s.Generator.Generate(ctx, pdfgen.Request{Output: out, Documents: docs}); err != nil {
			return printJob{}, fmt.Errorf("generate chunk %d: %w", n, err)
		}
	}
	copies := req.Copies
	if copies < 1 {
		copies = 1
	}
	return printJob{
		Username:  req.Username,
		Printer:   printer.Name,
		JobName:   c.JobName,
		Path:      out,
		Format:    format,
		Template:  jobTemplate(req, c),
		Duplex:    req.Duplex,
		Grayscale: req.Grayscale,
		Copies:    copies,
		Pages:     c.LogicalPages,
		Sheets:    c.Sheets,
		MediaSize: c.MediaSize,
		ESU:       c.ESU,
		Cost:      c.Cost.Total,
	}, nil
}

func jobTemplate(req Request, c Chunk) map[string]string {
	t := map[string]string{}
	for k, v := range req.Options {
		t[k] = v
	}
	if c.MediaSize != "" && c.MediaSize != "auto" {
		t["media"] = c.MediaSize
	}
	if c.MediaSource != "" {
		t["media-source"] = c.MediaSource
	}
	t["sides"] = "one-sided"
	if req.Duplex {
		t["sides"] = "two-sided-long-edge"
	}
	t["print-color-mode"] = "color"
	if req.Grayscale {
		t["print-color-mode"] = "monochrome"
	}
	if req.Copies > 1 {
		t["copies"] = strconv.Itoa(req.Copies)
	}
	if req.NUp > 1 {
		t["number-up"] = strconv.Itoa(req.NUp)
	}
	t["print-scaling"] = c.Scaling
	return t
}

var integerOptions = map[string]bool{"copies": true, "number-up": true}

func templateAttrs(t map[string]string) goipp.Attributes {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var attrs goipp.Attributes
	for _, k := range keys {
		if integerOptions[k] {
			if n, err := strconv.Atoi(t[k]); err == nil {
				attrs = append(attrs, goipp.MakeAttribute(k, goipp.TagInteger, goipp.Integer(n)))
				continue
			}
		}
		attrs = append(attrs, goipp.MakeAttribute(k, goipp.TagKeyword, goipp.String(t[k])))
	}
	return attrs
}

// submit sends one generated chunk to CUPS and records it.
func (s *Service) submit(ctx context.Context, pj printJob, ticketID int64) (model.PrintOut, error) {
	f, err := s.Files.Open(pj.Path)
	if err != nil {
		return model.PrintOut{}, err
	}
	job, err := s.Submitter.PrintJob(ctx, pj.Printer, pj.Username, pj.JobName, pj.Format, templateAttrs(pj.Template), f)
	f.Close()
	if err != nil {
		return model.PrintOut{}, fmt.Errorf("submit to %s: %w", pj.Printer, err)
	}
	state := job.State
	if state == 0 {
		state = model.JobPending
	}
	po := model.PrintOut{
		Username:         pj.Username,
		Printer:          pj.Printer,
		JobName:          pj.JobName,
		CupsJobID:        job.ID,
		CupsJobState:     state,
		CupsCreationTime: job.CreationTime,
		Duplex:           pj.Duplex,
		Grayscale:        pj.Grayscale,
		Copies:           pj.Copies,
		Pages:            pj.Pages,
		Sheets:           pj.Sheets,
		MediaSize:        pj.MediaSize,
		ESU:              pj.ESU,
		Cost:             pj.Cost,
	}
	if ticketID > 0 {
		po.TicketID.Int64, po.TicketID.Valid = ticketID, true
	}
	if err := s.Store.PersistPrintOut(ctx, &po); err != nil {
		return po, fmt.Errorf("persist cups job %d: %w", job.ID, err)
	}
	if s.Monitor != nil {
		err := s.Monitor.NotifyPrintOut(jobstatus.Event{
			Printer:      po.Printer,
			JobID:        po.CupsJobID,
			State:        po.CupsJobState,
			CreationTime: po.CupsCreationTime,
		})
		if err != nil && s.Logger != nil {
			s.Logger.Warn("job status monitor rejected print out", "job", po.CupsJobID, "err", err)
		}
	}
	logging.Page(logging.PageLogLine(logging.PageEntry{
		JobID:   int64(po.CupsJobID),
		User:    po.Username,
		Printer: po.Printer,
		Title:   po.JobName,
		Copies:  po.Copies,
		Pages:   po.Pages,
		Sheets:  po.Sheets,
		ESU:     po.ESU,
	}))
	return po, nil
}

func (s *Service) clearInbox(ctx context.Context, scope Clear, inbox []model.InboxJob, chunks []Chunk) error {
	var remove []int64
	deleted := map[int64][]int{}
	switch scope {
	case ClearAll:
		for _, j := range inbox {
			remove = append(remove, j.ID)
		}
	case ClearJobs, ClearPages:
		printed := map[int64][]int{}
		for _, c := range chunks {
			for _, d := range c.Docs {
				printed[d.InboxJobID] = append(printed[d.InboxJobID], d.Pages...)
			}
		}
		for _, j := range inbox {
			pages, ok := printed[j.ID]
			if !ok {
				continue
			}
			if scope == ClearJobs {
				remove = append(remove, j.ID)
				continue
			}
			gone := append(append([]int(nil), j.DeletedPages...), pages...)
			gone = uniqueInts(gone)
			if len(gone) >= j.Pages {
				remove = append(remove, j.ID)
			} else {
				deleted[j.ID] = gone
			}
		}
	default:
		return nil
	}
	if len(remove) == 0 && len(deleted) == 0 {
		return nil
	}
	return s.Store.ClearInbox(ctx, remove, deleted)
}

func selectJobs(inbox []model.InboxJob, ids []int64) []model.InboxJob {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := inbox[:0:0]
	for _, j := range inbox {
		if want[j.ID] {
			out = append(out, j)
		}
	}
	return out
}

func uniqueInts(v []int) []int {
	sort.Ints(v)
	out := v[:0]
	for i, n := range v {
		if i == 0 || n != v[i-1] {
			out = append(out, n)
		}
	}
	return out
}
