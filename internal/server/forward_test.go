package server

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ippproxy/internal/accounting"
	"ippproxy/internal/cupsclient"
	"ippproxy/internal/model"
	"ippproxy/internal/pdfgen"
	"ippproxy/internal/printercache"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/store"
)

type listSource []cupsclient.Printer

func (l listSource) Printers(context.Context) ([]cupsclient.Printer, error) { return l, nil }

type freeAccounting struct{}

func (freeAccounting) CalcCost(context.Context, accounting.CostRequest) (accounting.CostResult, error) {
	return accounting.CostResult{}, nil
}

func (freeAccounting) Reserve(context.Context, string, int64) (bool, error) { return true, nil }

func (freeAccounting) Refund(context.Context, string, int64) error { return nil }

type recordingSubmitter struct {
	mu      sync.Mutex
	formats []string
	docs    []string
}

func (r *recordingSubmitter) PrintJob(_ context.Context, printer, _, _, format string, _ goipp.Attributes, doc io.Reader) (cupsclient.Job, error) {
	data, err := io.ReadAll(doc)
	if err != nil {
		return cupsclient.Job{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats = append(r.formats, format)
	r.docs = append(r.docs, string(data))
	return cupsclient.Job{ID: 300 + len(r.docs), Printer: printer, State: model.JobPending, CreationTime: time.Now()}, nil
}

// proxyServer wires a real printer cache and proxy-print service that has
// never been refreshed.
func proxyServer(t *testing.T) (*Server, *recordingSubmitter, *printercache.Cache) {
	t.Helper()
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, false, func(tx *store.Tx) error {
		_, err := st.UpsertQueue(ctx, tx, model.Queue{Name: "public", Trusted: true, ProxyPrinter: "laser"})
		return err
	}))
	cache := printercache.New(listSource{{Name: "LASER", Attrs: goipp.Attributes{
		goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String("LASER")),
		goipp.MakeAttribute("printer-state", goipp.TagEnum, goipp.Integer(3)),
		goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true)),
	}}}, st, nil)
	sub := &recordingSubmitter{}
	srv.Printers = cache
	srv.Proxy = &proxyprint.Service{
		Printers:   cache,
		Access:     srv.Access,
		Accounting: freeAccounting{},
		Generator:  pdfgen.New(srv.Spool.Fs),
		Submitter:  sub,
		Files:      srv.Spool,
		Store:      st,
	}
	return srv, sub, cache
}

func TestForwardedPrintJobLoadsPrinterList(t *testing.T) {
	srv, sub, cache := proxyServer(t)
	require.False(t, cache.Contacted())

	req := newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	resp := post(t, srv, req, []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)

	assert.True(t, cache.Contacted())
	job := group(resp, goipp.TagJobGroup)
	assert.NotEqual(t, int64(model.JobAborted), attrInt(job, "job-state"))
	require.Len(t, sub.docs, 1)
	assert.Equal(t, testPDF, sub.docs[0])
}

func TestForwardedNonPDFDocumentIsSubmittedUnsplit(t *testing.T) {
	srv, sub, _ := proxyServer(t)

	req := newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("text/plain")))
	resp := post(t, srv, req, []byte("hello printer\n"))
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)

	job := group(resp, goipp.TagJobGroup)
	assert.NotEqual(t, int64(model.JobAborted), attrInt(job, "job-state"))
	assert.Equal(t, []string{"text/plain"}, sub.formats)
	assert.Equal(t, []string{"hello printer\n"}, sub.docs)
}
