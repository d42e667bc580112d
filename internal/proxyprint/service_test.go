package proxyprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ippproxy/internal/accounting"
	"ippproxy/internal/cupsclient"
	"ippproxy/internal/jobstatus"
	"ippproxy/internal/model"
	"ippproxy/internal/pdfgen"
	"ippproxy/internal/printercache"
)

type fakePrinters map[string]*printercache.Printer

func (f fakePrinters) Printer(name string) (*printercache.Printer, bool) {
	p, ok := f[strings.ToUpper(name)]
	return p, ok
}

type fakeAccess struct{ denied bool }

func (f fakeAccess) PrinterAccessGranted(context.Context, string, string) (bool, error) {
	return !f.denied, nil
}

// fakeAccounting charges 10 per logical page.
type fakeAccounting struct {
	balance  int64
	refunded int64
}

func (f *fakeAccounting) CalcCost(_ context.Context, req accounting.CostRequest) (accounting.CostResult, error) {
	return accounting.CostResult{PricePerSide: 10, Sides: req.LogicalPages, Total: int64(10 * req.LogicalPages)}, nil
}

func (f *fakeAccounting) Reserve(_ context.Context, _ string, amount int64) (bool, error) {
	if amount > f.balance {
		return false, nil
	}
	f.balance -= amount
	return true, nil
}

func (f *fakeAccounting) Refund(_ context.Context, _ string, amount int64) error {
	f.balance += amount
	f.refunded += amount
	return nil
}

type fakeGenerator struct{ requests []pdfgen.Request }

func (f *fakeGenerator) Generate(_ context.Context, req pdfgen.Request) (int, error) {
	f.requests = append(f.requests, req)
	return 0, nil
}

type fakeSubmitter struct {
	failAt  int
	jobs    []string
	formats []string
	attrs   []goipp.Attributes
}

func (f *fakeSubmitter) PrintJob(_ context.Context, printer, user, jobName, format string, template goipp.Attributes, doc io.Reader) (cupsclient.Job, error) {
	if _, err := io.ReadAll(doc); err != nil {
		return cupsclient.Job{}, err
	}
	if f.failAt > 0 && len(f.jobs)+1 == f.failAt {
		return cupsclient.Job{}, errors.New("client-error-not-possible")
	}
	f.jobs = append(f.jobs, jobName)
	f.formats = append(f.formats, format)
	f.attrs = append(f.attrs, template)
	return cupsclient.Job{ID: 100 + len(f.jobs), Printer: printer, State: model.JobPending, CreationTime: time.Unix(1700000000, 0)}, nil
}

type fakeMonitor struct{ events []jobstatus.Event }

func (f *fakeMonitor) NotifyPrintOut(e jobstatus.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeFiles struct {
	removed []string
	copied  map[string]string
}

func (f *fakeFiles) OutputPath(jobID int64, chunk int) string {
	return fmt.Sprintf("/out/printout-%d-%d.pdf", jobID, chunk)
}

func (f *fakeFiles) Copy(src, dst string) error {
	if f.copied == nil {
		f.copied = map[string]string{}
	}
	f.copied[dst] = src
	return nil
}

func (f *fakeFiles) Open(string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("%PDF-1.7")), nil
}

func (f *fakeFiles) Remove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

type fakeStore struct {
	inbox     []model.InboxJob
	ticket    bool
	removed   []int64
	deleted   map[int64][]int
	cleared   int
	printOuts []model.PrintOut
	tickets   map[int64]model.JobTicket
}

func (f *fakeStore) UserInbox(context.Context, string) ([]model.InboxJob, error) { return f.inbox, nil }

func (f *fakeStore) ClearInbox(_ context.Context, remove []int64, deleted map[int64][]int) error {
	f.cleared++
	f.removed, f.deleted = remove, deleted
	return nil
}

func (f *fakeStore) PersistPrintOut(_ context.Context, p *model.PrintOut) error {
	p.ID = int64(len(f.printOuts) + 1)
	f.printOuts = append(f.printOuts, *p)
	return nil
}

func (f *fakeStore) PrinterRequiresTicket(context.Context, string) (bool, error) { return f.ticket, nil }

func (f *fakeStore) CreateJobTicket(_ context.Context, t model.JobTicket) (model.JobTicket, error) {
	if f.tickets == nil {
		f.tickets = map[int64]model.JobTicket{}
	}
	t.ID = int64(len(f.tickets) + 1)
	t.State = model.TicketPending
	f.tickets[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetJobTicket(_ context.Context, id int64) (model.JobTicket, error) {
	t, ok := f.tickets[id]
	if !ok {
		return model.JobTicket{}, errors.New("not found")
	}
	return t, nil
}

func (f *fakeStore) ClaimJobTicket(_ context.Context, id int64, from, to string) (bool, error) {
	t, ok := f.tickets[id]
	if !ok || t.State != from {
		return false, nil
	}
	t.State = to
	f.tickets[id] = t
	return true, nil
}

func (f *fakeStore) UpdateJobTicketState(_ context.Context, id int64, state string) error {
	t := f.tickets[id]
	t.State = state
	f.tickets[id] = t
	return nil
}

type fixture struct {
	svc   *Service
	acct  *fakeAccounting
	store *fakeStore
	sub   *fakeSubmitter
	mon   *fakeMonitor
	files *fakeFiles
}

func newFixture(balance int64) *fixture {
	f := &fixture{
		store: &fakeStore{inbox: testInbox()},
		sub:   &fakeSubmitter{},
		mon:   &fakeMonitor{},
		files: &fakeFiles{},
		acct:  &fakeAccounting{balance: balance},
	}
	f.svc = &Service{
		Printers:   fakePrinters{"OFFICE": testPrinter()},
		Access:     fakeAccess{},
		Accounting: f.acct,
		Generator:  &fakeGenerator{},
		Submitter:  f.sub,
		Monitor:    f.mon,
		Files:      f.files,
		Store:      f.store,
	}
	return f
}

func TestPrintSubmitsEveryChunk(t *testing.T) {
	f := newFixture(100)
	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "office", Copies: 2, Grayscale: true, Clear: ClearAll})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pdf", "b.pdf"}, f.sub.jobs)
	assert.Equal(t, int64(50), res.TotalCost)
	assert.Equal(t, int64(50), f.acct.balance)
	require.Len(t, res.PrintOuts, 2)
	assert.Equal(t, 101, res.PrintOuts[0].CupsJobID)
	assert.Equal(t, int64(30), res.PrintOuts[0].Cost)
	require.Len(t, f.mon.events, 2)
	assert.Equal(t, time.Unix(1700000000, 0), f.mon.events[0].CreationTime)
	assert.Equal(t, []string{"/out/printout-1-1.pdf", "/out/printout-1-2.pdf"}, f.files.removed)
	assert.Equal(t, []int64{1, 2}, f.store.removed)

	var names []string
	for _, a := range f.sub.attrs[0] {
		names = append(names, a.Name)
		if a.Name == "print-color-mode" {
			assert.Equal(t, "monochrome", a.Values[0].V.String())
		}
		if a.Name == "copies" {
			assert.Equal(t, goipp.TagInteger, a.Values[0].T)
		}
	}
	assert.Contains(t, names, "media")
	assert.Contains(t, names, "media-source")
}

func TestPrintChecksCreditBeforeSubmitting(t *testing.T) {
	f := newFixture(49)
	_, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Clear: ClearAll})
	assert.ErrorIs(t, err, ErrInsufficientCredit)
	assert.Empty(t, f.sub.jobs)
	assert.Zero(t, f.store.cleared)
	assert.Equal(t, int64(49), f.acct.balance, "a refused print takes nothing")
}

func TestPrintStopsAtFirstFailingChunk(t *testing.T) {
	f := newFixture(100)
	f.sub.failAt = 2
	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Clear: ClearAll})
	require.Error(t, err)
	assert.Len(t, res.PrintOuts, 1)
	assert.Len(t, f.store.printOuts, 1)
	assert.Zero(t, f.store.cleared, "inbox is kept when a chunk fails")
	assert.Len(t, f.files.removed, 2)
	assert.Equal(t, int64(20), f.acct.refunded, "the failed chunk is refunded")
	assert.Equal(t, int64(70), f.acct.balance)
}

func TestPrintRejectsUnknownPrinterAndDeniedUser(t *testing.T) {
	f := newFixture(100)
	_, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "nowhere"})
	assert.ErrorIs(t, err, ErrUnknownPrinter)

	f.svc.Access = fakeAccess{denied: true}
	_, err = f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	f.svc.Access = fakeAccess{}
	f.store.inbox = nil
	_, err = f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE"})
	assert.ErrorIs(t, err, ErrEmptyInbox)
}

func TestClearScopes(t *testing.T) {
	cases := []struct {
		clear   Clear
		pages   string
		removed []int64
		deleted map[int64][]int
		calls   int
	}{
		{ClearNone, "", nil, nil, 0},
		{ClearJobs, "1", []int64{1}, map[int64][]int{}, 1},
		{ClearPages, "1-2", nil, map[int64][]int{1: {1, 2}}, 1},
		{ClearPages, "2-5", []int64{2}, map[int64][]int{1: {2, 3}}, 1},
	}
	for _, tc := range cases {
		t.Run(string(tc.clear)+"/"+tc.pages, func(t *testing.T) {
			f := newFixture(1000)
			_, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Pages: tc.pages, Clear: tc.clear})
			require.NoError(t, err)
			assert.Equal(t, tc.calls, f.store.cleared)
			if tc.calls > 0 {
				assert.Equal(t, tc.removed, f.store.removed)
				assert.Equal(t, tc.deleted, f.store.deleted)
			}
		})
	}
}

func TestTicketHoldsAndReleases(t *testing.T) {
	f := newFixture(100)
	f.store.ticket = true
	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Clear: ClearAll})
	require.NoError(t, err)
	require.NotZero(t, res.TicketID)
	assert.Empty(t, f.sub.jobs)
	assert.Equal(t, int64(50), f.store.tickets[res.TicketID].Cost)
	assert.Equal(t, 1, f.store.cleared)

	outs, err := f.svc.ReleaseTicket(context.Background(), res.TicketID)
	require.NoError(t, err)
	assert.Len(t, outs, 2)
	assert.Equal(t, res.TicketID, outs[0].TicketID.Int64)
	assert.Equal(t, model.TicketReleased, f.store.tickets[res.TicketID].State)

	_, err = f.svc.ReleaseTicket(context.Background(), res.TicketID)
	assert.ErrorIs(t, err, ErrTicketState)
}

func TestFailedTicketRelease(t *testing.T) {
	f := newFixture(100)
	f.store.ticket = true
	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.acct.balance, "holding reserves the cost")
	f.sub.failAt = 2
	_, err = f.svc.ReleaseTicket(context.Background(), res.TicketID)
	require.Error(t, err)
	assert.Equal(t, model.TicketFailed, f.store.tickets[res.TicketID].State)
	assert.Equal(t, int64(20), f.acct.refunded, "only the chunk that did not print is refunded")
	assert.Equal(t, int64(70), f.acct.balance)
}

func TestHeldTicketsShareTheCredit(t *testing.T) {
	f := newFixture(80)
	f.store.ticket = true
	first, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE"})
	require.NoError(t, err)

	_, err = f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE"})
	assert.ErrorIs(t, err, ErrInsufficientCredit, "the first ticket already holds 50 of 80")
	assert.Len(t, f.store.tickets, 1)

	_, err = f.svc.ReleaseTicket(context.Background(), first.TicketID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), f.acct.balance, "release does not charge again")
}

func TestPrintRestrictedToJobs(t *testing.T) {
	f := newFixture(100)
	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Jobs: []int64{2}, Clear: ClearJobs})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.pdf"}, f.sub.jobs)
	assert.Equal(t, int64(20), res.TotalCost)
	assert.Equal(t, []int64{2}, f.store.removed)

	_, err = f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Jobs: []int64{9}})
	assert.ErrorIs(t, err, ErrEmptyInbox)
}

func TestNonPDFDocumentPrintsUnsplit(t *testing.T) {
	f := newFixture(100)
	gen := &fakeGenerator{}
	f.svc.Generator = gen
	f.store.inbox = []model.InboxJob{{ID: 7, Title: "photo.jpg", MimeType: "image/jpeg", Path: "/spool/job-7-photo.jpg"}}

	res, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "OFFICE", Jobs: []int64{7}, Clear: ClearJobs})
	require.NoError(t, err)

	assert.Empty(t, gen.requests, "nothing is generated for a document that cannot be split")
	assert.Equal(t, []string{"photo.jpg"}, f.sub.jobs)
	assert.Equal(t, []string{"image/jpeg"}, f.sub.formats)
	assert.Equal(t, map[string]string{"/out/printout-7-1.jpg": "/spool/job-7-photo.jpg"}, f.files.copied)
	require.Len(t, res.PrintOuts, 1)
	assert.Equal(t, 1, res.PrintOuts[0].Pages)
	assert.Equal(t, int64(10), res.TotalCost)
	assert.Equal(t, []int64{7}, f.store.removed)
}

type staticSource []cupsclient.Printer

func (s staticSource) Printers(context.Context) ([]cupsclient.Printer, error) { return s, nil }

func TestPrintLoadsPrinterListOnFirstUse(t *testing.T) {
	f := newFixture(100)
	cache := printercache.New(staticSource{{Name: "OFFICE", Attrs: goipp.Attributes{
		goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String("OFFICE")),
	}}}, nil, nil)
	f.svc.Printers = cache

	_, err := f.svc.Print(context.Background(), Request{Username: "alice", Printer: "office", Clear: ClearAll})
	require.NoError(t, err)
	assert.True(t, cache.Contacted())
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, f.sub.jobs)
}
