package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ippproxy/internal/access"
	"ippproxy/internal/config"
	"ippproxy/internal/model"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/spool"
	"ippproxy/internal/store"
)

const testPDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	err = st.WithTx(ctx, false, func(tx *store.Tx) error {
		if _, err := st.UpsertQueue(ctx, tx, model.Queue{Name: "public", Trusted: true}); err != nil {
			return err
		}
		if _, err := st.UpsertQueue(ctx, tx, model.Queue{Name: "secure"}); err != nil {
			return err
		}
		if err := st.CreateUser(ctx, tx, "alice", "alice-pw", false); err != nil {
			return err
		}
		return st.CreateUser(ctx, tx, "admin", "admin-pw", true)
	})
	require.NoError(t, err)

	ac, err := access.New(st, nil, 16, time.Minute)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.GateWait = config.Duration{Duration: 20 * time.Millisecond}
	srv := &Server{
		Config: cfg,
		Store:  st,
		Spool:  &spool.Spool{Fs: afero.NewMemMapFs(), Dir: "/spool"},
		Access: ac,
	}
	return srv, st
}

func newRequest(op goipp.Op, version goipp.Version, queue string) *goipp.Message {
	m := goipp.NewRequest(version, op, 7)
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	m.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://example.com/printers/"+queue)))
	m.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String("alice")))
	return m
}

func postRaw(t *testing.T, srv *Server, path string, body []byte) *goipp.Message {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", goipp.ContentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, goipp.ContentType, rec.Header().Get("Content-Type"))
	resp := &goipp.Message{}
	require.NoError(t, resp.DecodeBytes(rec.Body.Bytes()))
	return resp
}

func post(t *testing.T, srv *Server, msg *goipp.Message, doc []byte) *goipp.Message {
	t.Helper()
	data, err := msg.EncodeBytes()
	require.NoError(t, err)
	return postRaw(t, srv, "/printers/public", append(data, doc...))
}

func group(msg *goipp.Message, tag goipp.Tag) goipp.Attributes {
	var out goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs...)
		}
	}
	return out
}

func names(attrs goipp.Attributes) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a.Name)
	}
	return out
}

func TestGetPrinterAttributesRequestedSubset(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(1, 1), "public")
	req.Operation.Add(strAttr("requested-attributes", goipp.TagKeyword, "printer-up-time", "printer-state"))

	resp := post(t, srv, req, nil)
	assert.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	assert.Equal(t, uint32(7), resp.RequestID)
	assert.Equal(t, []string{"printer-state", "printer-up-time"}, names(group(resp, goipp.TagPrinterGroup)))
	state := attrInt(group(resp, goipp.TagPrinterGroup), "printer-state")
	assert.Equal(t, int64(3), state)
}

func TestGetPrinterAttributesAllMatchesNoRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	plain := post(t, srv, newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "public"), nil)
	req := newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(strAttr("requested-attributes", goipp.TagKeyword, "all"))
	all := post(t, srv, req, nil)

	assert.Equal(t, names(group(plain, goipp.TagPrinterGroup)), names(group(all, goipp.TagPrinterGroup)))
	printer := group(all, goipp.TagPrinterGroup)
	assert.Contains(t, names(printer), "printer-uuid")
	assert.Contains(t, names(printer), "media-col-database")
	assert.Contains(t, attrStrings(printer, "document-format-supported"), "image/urf")
	assert.Equal(t, []string{"ipp://example.com/printers/public"}, attrStrings(printer, "printer-uri-supported"))
}

func TestGetPrinterAttributesVersionFiltering(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(1, 1), "public")
	req.Operation.Add(strAttr("requested-attributes", goipp.TagKeyword, "printer-name", "printer-uuid"))
	resp := post(t, srv, req, nil)

	assert.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	assert.Equal(t, []string{"printer-name"}, names(group(resp, goipp.TagPrinterGroup)))
	assert.Empty(t, group(resp, goipp.TagUnsupportedGroup))
}

func TestGetPrinterAttributesUnknownKeyword(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(strAttr("requested-attributes", goipp.TagKeyword, "printer-name", "no-such-attribute"))
	resp := post(t, srv, req, nil)

	assert.Equal(t, goipp.Code(goipp.StatusOkIgnoredOrSubstituted), resp.Code)
	assert.Equal(t, []string{"no-such-attribute"}, names(group(resp, goipp.TagUnsupportedGroup)))
	assert.Equal(t, []string{"printer-name"}, names(group(resp, goipp.TagPrinterGroup)))
}

func TestPrintJobStoresInboxDocument(t *testing.T) {
	srv, st := newTestServer(t)
	req := newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("report")))
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/octet-stream")))

	resp := post(t, srv, req, []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	job := group(resp, goipp.TagJobGroup)
	assert.Equal(t, int64(model.JobProcessing), attrInt(job, "job-state"))
	assert.Equal(t, "none", attrString(job, "job-state-reasons"))
	assert.Contains(t, attrString(job, "job-uuid"), "urn:uuid:")

	inbox, err := st.UserInbox(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "report", inbox[0].Title)
	assert.Equal(t, "application/pdf", inbox[0].MimeType)
	assert.Equal(t, int64(len(testPDF)), inbox[0].SizeBytes)
	assert.Equal(t, attrInt(job, "job-id"), inbox[0].ID)
}

func TestPrintJobRejectsUnknownUserOnTrustedQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	req := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpPrintJob, 3)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://example.com/printers/public")))
	req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String("mallory")))

	resp := post(t, srv, req, []byte(testPDF))
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotAuthorized), resp.Code)
}

func TestUntrustedQueueRequiresBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	data, err := newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "secure").EncodeBytes()
	require.NoError(t, err)

	resp := postRaw(t, srv, "/printers/secure", append(data, testPDF...))
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotAuthorized), resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/printers/secure", bytes.NewReader(append(data, testPDF...)))
	req.Header.Set("Content-Type", goipp.ContentType)
	req.SetBasicAuth("alice", "alice-pw")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	ok := &goipp.Message{}
	require.NoError(t, ok.DecodeBytes(rec.Body.Bytes()))
	assert.Equal(t, goipp.Code(goipp.StatusOk), ok.Code)
}

func TestCreateJobThenSendDocument(t *testing.T) {
	srv, st := newTestServer(t)
	created := post(t, srv, newRequest(goipp.OpCreateJob, goipp.MakeVersion(2, 0), "public"), nil)
	require.Equal(t, goipp.Code(goipp.StatusOk), created.Code)
	job := group(created, goipp.TagJobGroup)
	assert.Equal(t, int64(model.JobPending), attrInt(job, "job-state"))
	id := attrInt(job, "job-id")

	send := newRequest(goipp.OpSendDocument, goipp.MakeVersion(2, 0), "public")
	send.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(id)))
	send.Operation.Add(goipp.MakeAttribute("last-document", goipp.TagBoolean, goipp.Boolean(true)))
	send.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	sent := post(t, srv, send, []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), sent.Code)
	assert.Equal(t, int64(model.JobProcessing), attrInt(group(sent, goipp.TagJobGroup), "job-state"))

	again := post(t, srv, send, []byte(testPDF))
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotPossible), again.Code)

	inbox, err := st.UserInbox(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, id, inbox[0].ID)
}

func TestSendDocumentRequiresLastDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	send := newRequest(goipp.OpSendDocument, goipp.MakeVersion(2, 0), "public")
	send.Operation.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(1)))
	resp := post(t, srv, send, nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorBadRequest), resp.Code)
}

func TestValidateJobFidelity(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(goipp.OpValidateJob, goipp.MakeVersion(2, 0), "public")
	req.Job.Add(goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("om_bogus_1x1mm")))

	resp := post(t, srv, req, nil)
	assert.Equal(t, goipp.Code(goipp.StatusOkIgnoredOrSubstituted), resp.Code)
	assert.Equal(t, []string{"media"}, names(group(resp, goipp.TagUnsupportedGroup)))

	req.Operation.Add(goipp.MakeAttribute("ipp-attribute-fidelity", goipp.TagBoolean, goipp.Boolean(true)))
	resp = post(t, srv, req, nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorAttributesOrValues), resp.Code)
}

func TestUnsupportedDocumentFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(goipp.OpValidateJob, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/x-shockwave-flash")))
	resp := post(t, srv, req, nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorDocumentFormatNotSupported), resp.Code)
	assert.Equal(t, []string{"document-format"}, names(group(resp, goipp.TagUnsupportedGroup)))
}

func TestGateBusyReturnsServiceUnavailable(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.prepare()
	srv.Gate.Lock()
	defer srv.Gate.Unlock()

	resp := post(t, srv, newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "public"), nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorServiceUnavailable), resp.Code)
	assert.Equal(t, uint32(7), resp.RequestID)
}

func TestMalformedRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	data, err := newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "public").EncodeBytes()
	require.NoError(t, err)

	resp := postRaw(t, srv, "/ipp/print", data[:len(data)-1])
	assert.Equal(t, goipp.Code(goipp.StatusErrorBadRequest), resp.Code)
	assert.Equal(t, uint32(7), resp.RequestID)

	resp = postRaw(t, srv, "/ipp/print", []byte{0x02})
	assert.Equal(t, goipp.Code(goipp.StatusErrorBadRequest), resp.Code)
}

func TestUnknownOperation(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv, newRequest(goipp.OpPausePrinter, goipp.MakeVersion(2, 0), "public"), nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorOperationNotSupported), resp.Code)
}

func TestUnsupportedVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv, newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(3, 0), "public"), nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorVersionNotSupported), resp.Code)
}

func TestUnsupportedCharset(t *testing.T) {
	srv, _ := newTestServer(t)
	req := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpGetPrinterAttributes, 9)
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("koi8-r")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	resp := post(t, srv, req, nil)

	assert.Equal(t, goipp.Code(goipp.StatusErrorCharset), resp.Code)
	assert.Equal(t, "utf-8", attrString(group(resp, goipp.TagOperationGroup), "attributes-charset"))
	assert.Equal(t, []string{"attributes-charset"}, names(group(resp, goipp.TagUnsupportedGroup)))
}

func TestMissingCharsetIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	req := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpGetPrinterAttributes, 9)
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	resp := post(t, srv, req, nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorBadRequest), resp.Code)
}

func TestUnknownQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv, newRequest(goipp.OpGetPrinterAttributes, goipp.MakeVersion(2, 0), "nowhere"), nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotFound), resp.Code)
}

func TestHTTPMethodAndContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ipp/print", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ipp/print", bytes.NewReader([]byte("x"))))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestSubscriptionNotifications(t *testing.T) {
	srv, _ := newTestServer(t)
	create := newRequest(goipp.OpCreatePrinterSubscriptions, goipp.MakeVersion(2, 0), "public")
	sub := goipp.Attributes{}
	sub.Add(strAttr("notify-events", goipp.TagKeyword, "job-created"))
	sub.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	bad := goipp.Attributes{}
	bad.Add(goipp.MakeAttribute("notify-recipient-uri", goipp.TagURI, goipp.String("mailto:alice@example.com")))
	create.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: create.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: sub},
		{Tag: goipp.TagSubscriptionGroup, Attrs: bad},
	}
	created := post(t, srv, create, nil)
	require.Equal(t, goipp.Code(goipp.StatusOk), created.Code)
	var subGroups []goipp.Attributes
	for _, g := range created.Groups {
		if g.Tag == goipp.TagSubscriptionGroup {
			subGroups = append(subGroups, g.Attrs)
		}
	}
	require.Len(t, subGroups, 2)
	id := attrInt(subGroups[0], "notify-subscription-id")
	require.NotZero(t, id)
	assert.Equal(t, int64(goipp.StatusErrorURIScheme), attrInt(subGroups[1], "notify-status-code"))

	printed := post(t, srv, newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public"), []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), printed.Code)

	get := newRequest(goipp.OpGetNotifications, goipp.MakeVersion(2, 0), "public")
	get.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(id)))
	notes := post(t, srv, get, nil)
	require.Equal(t, goipp.Code(goipp.StatusOk), notes.Code)
	events := group(notes, goipp.TagEventNotificationGroup)
	assert.Equal(t, "job-created", attrString(events, "notify-subscribed-event"))
	assert.Equal(t, attrInt(group(printed, goipp.TagJobGroup), "job-id"), attrInt(events, "notify-job-id"))
	assert.Equal(t, int64(getInterval), attrInt(group(notes, goipp.TagOperationGroup), "notify-get-interval"))

	seq := attrInt(events, "notify-sequence-number")
	get.Operation.Add(goipp.MakeAttribute("notify-sequence-numbers", goipp.TagInteger, goipp.Integer(seq+1)))
	later := post(t, srv, get, nil)
	assert.Empty(t, group(later, goipp.TagEventNotificationGroup))

	attrsReq := newRequest(goipp.OpGetSubscriptionAttributes, goipp.MakeVersion(2, 0), "public")
	attrsReq.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	attrs := post(t, srv, attrsReq, nil)
	require.Equal(t, goipp.Code(goipp.StatusOk), attrs.Code)
	subAttrs := group(attrs, goipp.TagSubscriptionGroup)
	assert.Equal(t, "alice", attrString(subAttrs, "notify-subscriber-user-name"))
	assert.Equal(t, int64(defaultLease), attrInt(subAttrs, "notify-lease-duration"))

	cancel := newRequest(goipp.OpCancelSubscription, goipp.MakeVersion(2, 0), "public")
	cancel.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	assert.Equal(t, goipp.Code(goipp.StatusOk), post(t, srv, cancel, nil).Code)
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotFound), post(t, srv, attrsReq, nil).Code)
}

func TestJobSubscriptionEventsComplete(t *testing.T) {
	srv, _ := newTestServer(t)
	printed := post(t, srv, newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public"), []byte(testPDF))
	jobID := attrInt(group(printed, goipp.TagJobGroup), "job-id")

	create := newRequest(goipp.OpCreateJobSubscriptions, goipp.MakeVersion(2, 0), "public")
	create.Operation.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(jobID)))
	sub := goipp.Attributes{}
	sub.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	create.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: create.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: sub},
	}
	created := post(t, srv, create, nil)
	require.Equal(t, goipp.Code(goipp.StatusOk), created.Code)
	id := attrInt(group(created, goipp.TagSubscriptionGroup), "notify-subscription-id")

	get := newRequest(goipp.OpGetNotifications, goipp.MakeVersion(2, 0), "public")
	get.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(id)))
	notes := post(t, srv, get, nil)
	assert.Equal(t, goipp.Code(goipp.StatusOkEventsComplete), notes.Code)

	renew := newRequest(goipp.OpRenewSubscription, goipp.MakeVersion(2, 0), "public")
	renew.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	assert.Equal(t, goipp.Code(goipp.StatusErrorNotPossible), post(t, srv, renew, nil).Code)
}

func TestCreateSubscriptionsAllIgnored(t *testing.T) {
	srv, _ := newTestServer(t)
	create := newRequest(goipp.OpCreatePrinterSubscriptions, goipp.MakeVersion(2, 0), "public")
	bad := goipp.Attributes{}
	bad.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("rss")))
	create.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: create.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: bad},
	}
	resp := post(t, srv, create, nil)
	assert.Equal(t, goipp.Code(goipp.StatusErrorIgnoredAllSubscriptions), resp.Code)
}

type fakeForwarder struct {
	prints  []proxyprint.Request
	printer error
	release error
}

func (f *fakeForwarder) Print(_ context.Context, req proxyprint.Request) (proxyprint.Result, error) {
	f.prints = append(f.prints, req)
	return proxyprint.Result{}, f.printer
}

func (f *fakeForwarder) ReleaseTicket(_ context.Context, id int64) ([]model.PrintOut, error) {
	if f.release != nil {
		return nil, f.release
	}
	return []model.PrintOut{{ID: id * 10, CupsJobID: 42}}, nil
}

func TestPrintJobForwardsToProxyPrinter(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, false, func(tx *store.Tx) error {
		_, err := st.UpsertQueue(ctx, tx, model.Queue{Name: "public", Trusted: true, ProxyPrinter: "LASER"})
		return err
	}))
	fwd := &fakeForwarder{}
	srv.Proxy = fwd

	req := newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public")
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/pdf")))
	req.Job.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(2)))
	req.Job.Add(goipp.MakeAttribute("sides", goipp.TagKeyword, goipp.String("two-sided-long-edge")))
	resp := post(t, srv, req, []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)

	require.Len(t, fwd.prints, 1)
	got := fwd.prints[0]
	assert.Equal(t, "LASER", got.Printer)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, 2, got.Copies)
	assert.True(t, got.Duplex)
	assert.Equal(t, proxyprint.ClearJobs, got.Clear)
	assert.Equal(t, []int64{attrInt(group(resp, goipp.TagJobGroup), "job-id")}, got.Jobs)
}

func TestPrintJobForwardFailureAborts(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, false, func(tx *store.Tx) error {
		_, err := st.UpsertQueue(ctx, tx, model.Queue{Name: "public", Trusted: true, ProxyPrinter: "LASER"})
		return err
	}))
	srv.Proxy = &fakeForwarder{printer: proxyprint.ErrInsufficientCredit}

	resp := post(t, srv, newRequest(goipp.OpPrintJob, goipp.MakeVersion(2, 0), "public"), []byte(testPDF))
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	job := group(resp, goipp.TagJobGroup)
	assert.Equal(t, int64(model.JobAborted), attrInt(job, "job-state"))
	assert.Equal(t, "aborted-by-system", attrString(job, "job-state-reasons"))
}

func TestTicketReleaseEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Proxy = &fakeForwarder{}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/tickets/5/release", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/tickets/5/release", nil)
	req.SetBasicAuth("admin", "admin-pw")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body releaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.Ticket)
	assert.Equal(t, []int{42}, body.CupsJobs)

	srv.Proxy = &fakeForwarder{release: proxyprint.ErrTicketState}
	req = httptest.NewRequest(http.MethodPost, "/admin/tickets/5/release", nil)
	req.SetBasicAuth("admin", "admin-pw")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInboxPrintEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	fwd := &fakeForwarder{}
	srv.Proxy = fwd

	body := `{"printer":"LASER","pages":"1-3","clear":"pages","eco":true,"ticket":true,"copies":2,"jobs":[4,5]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/inbox/alice/print", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/inbox/alice/print", bytes.NewBufferString(body))
	req.SetBasicAuth("admin", "admin-pw")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, fwd.prints, 1)
	got := fwd.prints[0]
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "LASER", got.Printer)
	assert.Equal(t, "1-3", got.Pages)
	assert.Equal(t, proxyprint.ClearPages, got.Clear)
	assert.True(t, got.Eco)
	assert.True(t, got.Ticket)
	assert.Equal(t, 2, got.Copies)
	assert.Equal(t, []int64{4, 5}, got.Jobs)

	var resp inboxPrintResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.User)
	assert.Empty(t, resp.Error)
}

func TestInboxPrintEndpointErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"missing printer", `{}`, nil, http.StatusBadRequest},
		{"bad clear", `{"printer":"LASER","clear":"SOME"}`, nil, http.StatusBadRequest},
		{"credit", `{"printer":"LASER"}`, proxyprint.ErrInsufficientCredit, http.StatusPaymentRequired},
		{"unknown printer", `{"printer":"nowhere"}`, proxyprint.ErrUnknownPrinter, http.StatusNotFound},
		{"empty inbox", `{"printer":"LASER"}`, proxyprint.ErrEmptyInbox, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			srv.Proxy = &fakeForwarder{printer: tc.err}
			req := httptest.NewRequest(http.MethodPost, "/admin/inbox/alice/print", bytes.NewBufferString(tc.body))
			req.SetBasicAuth("admin", "admin-pw")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}
