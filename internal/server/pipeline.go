package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"ippproxy/internal/access"
	"ippproxy/internal/cupsclient"
	"ippproxy/internal/ippcodec"
	"ippproxy/internal/model"
	"ippproxy/internal/store"
)

// result is the outcome of one pipeline step. The zero value is success.
type result struct {
	status  goipp.Status
	message string
	detail  string
	cause   error
}

func (r result) failed() bool {
	return r.status >= goipp.StatusErrorBadRequest
}

func fail(status goipp.Status, format string, args ...any) result {
	return result{status: status, message: fmt.Sprintf(format, args...)}
}

func internalError(err error) result {
	return result{status: goipp.StatusErrorInternal, message: "internal error", detail: err.Error(), cause: err}
}

// exchange carries one request through the pipeline.
type exchange struct {
	ctx      context.Context
	http     *http.Request
	req      *goipp.Message
	body     io.Reader
	op       goipp.Op
	version  goipp.Version
	charset  string
	lang     string
	userName string
	queue    model.Queue
	user     model.User

	unsupported goipp.Attributes
	// opAttrs are appended to the response operation group on success.
	opAttrs goipp.Attributes
	groups  goipp.Groups
	// status overrides successful-ok when set.
	status goipp.Status
	// format is the effective document format of job creating requests.
	format string
	// requested holds the printer attributes a Get-Printer-Attributes
	// request resolved to.
	requested map[string]bool
}

type authMode int

const (
	// authUser resolves an authorized user for the queue.
	authUser authMode = iota
	// authClient only checks the client address and queue state.
	authClient
)

type step func(*Server, *exchange) result

type operation struct {
	name    string
	auth    authMode
	decode  step
	execute step
}

var operations = map[goipp.Op]operation{
	goipp.OpGetPrinterAttributes: {
		name:    "Get-Printer-Attributes",
		auth:    authClient,
		decode:  (*Server).decodePrinterAttributes,
		execute: (*Server).getPrinterAttributes,
	},
	goipp.OpPrintJob: {
		name:    "Print-Job",
		decode:  (*Server).decodeJob,
		execute: (*Server).printJob,
	},
	goipp.OpValidateJob: {
		name:    "Validate-Job",
		decode:  (*Server).decodeJob,
		execute: (*Server).validateJob,
	},
	goipp.OpCreateJob: {
		name:    "Create-Job",
		decode:  (*Server).decodeJob,
		execute: (*Server).createJob,
	},
	goipp.OpSendDocument: {
		name:    "Send-Document",
		decode:  (*Server).decodeSendDocument,
		execute: (*Server).sendDocument,
	},
	goipp.OpCreatePrinterSubscriptions: {
		name:    "Create-Printer-Subscriptions",
		decode:  (*Server).decodeCreateSubscriptions,
		execute: (*Server).createPrinterSubscriptions,
	},
	goipp.OpCreateJobSubscriptions: {
		name:    "Create-Job-Subscriptions",
		decode:  (*Server).decodeCreateSubscriptions,
		execute: (*Server).createJobSubscriptions,
	},
	goipp.OpGetSubscriptionAttributes: {
		name:    "Get-Subscription-Attributes",
		decode:  (*Server).decodeSubscriptionID,
		execute: (*Server).getSubscriptionAttributes,
	},
	goipp.OpGetSubscriptions: {
		name:    "Get-Subscriptions",
		execute: (*Server).getSubscriptions,
	},
	goipp.OpRenewSubscription: {
		name:    "Renew-Subscription",
		decode:  (*Server).decodeSubscriptionID,
		execute: (*Server).renewSubscription,
	},
	goipp.OpCancelSubscription: {
		name:    "Cancel-Subscription",
		decode:  (*Server).decodeSubscriptionID,
		execute: (*Server).cancelSubscription,
	},
	goipp.OpGetNotifications: {
		name:    "Get-Notifications",
		decode:  (*Server).decodeGetNotifications,
		execute: (*Server).getNotifications,
	},
}

// supportedOps is operations-supported, in protocol order.
var supportedOps = []goipp.Op{
	goipp.OpPrintJob,
	goipp.OpValidateJob,
	goipp.OpCreateJob,
	goipp.OpSendDocument,
	goipp.OpGetPrinterAttributes,
	goipp.OpCreatePrinterSubscriptions,
	goipp.OpCreateJobSubscriptions,
	goipp.OpGetSubscriptionAttributes,
	goipp.OpGetSubscriptions,
	goipp.OpRenewSubscription,
	goipp.OpCancelSubscription,
	goipp.OpGetNotifications,
}

func (s *Server) handleIPP(w http.ResponseWriter, r *http.Request) {
	msg, err := ippcodec.Decode(r.Body)
	if err != nil {
		version, reqID := s.version, uint32(0)
		var se *ippcodec.SyntaxError
		if errors.As(err, &se) && se.HeaderOK {
			version, reqID = se.Version, se.RequestID
		}
		s.Logger.Debug("malformed ipp request", "remote", r.RemoteAddr, "err", err)
		x := &exchange{ctx: r.Context(), http: r, version: version, charset: "utf-8", req: &goipp.Message{RequestID: reqID}}
		s.respond(w, x, fail(goipp.StatusErrorBadRequest, "malformed request"))
		return
	}

	x := &exchange{
		ctx:     r.Context(),
		http:    r,
		req:     msg,
		body:    r.Body,
		op:      goipp.Op(msg.Code),
		version: msg.Version,
		charset: "utf-8",
	}
	if !s.Gate.TryRLock(s.Config.GateWait.Duration) {
		s.respond(w, x, fail(goipp.StatusErrorServiceUnavailable, "server is busy"))
		return
	}
	defer s.Gate.RUnlock()

	op, ok := operations[x.op]
	if !ok {
		s.respond(w, x, fail(goipp.StatusErrorOperationNotSupported, "operation %s not supported", x.op))
		return
	}
	res := s.run(x, op)
	if res.failed() {
		if res.cause != nil {
			s.Logger.Error("ipp operation failed", "op", op.name, "status", res.status, "err", res.cause)
		} else {
			s.Logger.Debug("ipp operation rejected", "op", op.name, "status", res.status, "msg", res.message)
		}
	}
	s.respond(w, x, res)
}

// run executes the pipeline steps in order and stops at the first failure.
func (s *Server) run(x *exchange, op operation) result {
	steps := []step{(*Server).decodeCommon}
	if op.decode != nil {
		steps = append(steps, op.decode)
	}
	steps = append(steps, authorizeStep(op.auth))
	if op.execute != nil {
		steps = append(steps, op.execute)
	}
	for _, st := range steps {
		if res := s.safely(x, st); res.failed() {
			return res
		}
	}
	return result{}
}

func (s *Server) safely(x *exchange, st step) (res result) {
	defer func() {
		if p := recover(); p != nil {
			s.Logger.Error("panic in ipp operation", "op", x.op, "panic", p, "stack", string(debug.Stack()))
			res = internalError(fmt.Errorf("panic: %v", p))
		}
	}()
	return st(s, x)
}

func (s *Server) decodeCommon(x *exchange) result {
	major := x.version >> 8
	if major < 1 || major > 2 || x.version > s.version {
		return fail(goipp.StatusErrorVersionNotSupported, "IPP version %s not supported", x.version)
	}
	ops := x.req.Operation
	if len(ops) < 2 || ops[0].Name != "attributes-charset" || ops[1].Name != "attributes-natural-language" {
		return fail(goipp.StatusErrorBadRequest, "attributes-charset and attributes-natural-language must come first")
	}
	x.lang = attrString(ops, "attributes-natural-language")
	cs := strings.ToLower(attrString(ops, "attributes-charset"))
	if !ippcodec.SupportedCharset(cs) {
		x.unsupported.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String(cs)))
		return fail(goipp.StatusErrorCharset, "charset %s not supported", cs)
	}
	x.charset = cs
	x.userName = attrString(ops, "requesting-user-name")
	x.unsupported = append(x.unsupported, ippcodec.Check(x.req.Groups)...)
	return s.resolveQueue(x)
}

// resolveQueue finds the target queue from printer-uri, job-uri or the
// request path, in that order.
func (s *Server) resolveQueue(x *exchange) result {
	name := ""
	if uri := attrString(x.req.Operation, "printer-uri"); uri != "" {
		u, err := url.Parse(uri)
		if err != nil {
			return fail(goipp.StatusErrorBadRequest, "bad printer-uri %q", uri)
		}
		name = s.queueFromPath(u.Path)
	} else if uri := attrString(x.req.Operation, "job-uri"); uri != "" {
		id, ok := cupsclient.JobIDFromURI(uri)
		if !ok {
			return fail(goipp.StatusErrorBadRequest, "bad job-uri %q", uri)
		}
		var job model.InboxJob
		err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
			var err error
			job, err = s.Store.GetInboxJob(x.ctx, tx, int64(id))
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return fail(goipp.StatusErrorNotFound, "job %d not found", id)
		}
		if err != nil {
			return internalError(err)
		}
		name = job.Queue
	}
	if name == "" {
		name = s.queueFromPath(x.http.URL.Path)
	}
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		var err error
		x.queue, err = s.Store.GetQueue(x.ctx, tx, name)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fail(goipp.StatusErrorNotFound, "queue %q not found", name)
	}
	if err != nil {
		return internalError(err)
	}
	return result{}
}

func authorizeStep(mode authMode) step {
	return func(s *Server, x *exchange) result {
		if mode == authClient {
			if x.queue.Disabled || !s.Access.ClientAllowed(x.http.RemoteAddr, x.queue) {
				return fail(goipp.StatusErrorNotAuthorized, "client not allowed on %s", x.queue.Name)
			}
			return result{}
		}
		u, err := s.Access.AuthorizeIPP(x.ctx, x.http, x.queue, x.userName)
		if err != nil {
			switch {
			case errors.Is(err, access.ErrClientDenied):
				return fail(goipp.StatusErrorNotAuthorized, "client not allowed on %s", x.queue.Name)
			case errors.Is(err, access.ErrUnknownUser):
				return fail(goipp.StatusErrorNotAuthorized, "unknown user %q", x.userName)
			}
			return fail(goipp.StatusErrorNotAuthorized, "not authorized on %s", x.queue.Name)
		}
		x.user = u
		return result{}
	}
}

func (s *Server) respond(w http.ResponseWriter, x *exchange, res result) {
	lang := x.lang
	if lang == "" {
		lang = "en-US"
	}
	op := goipp.Attributes{}
	op.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String(x.charset)))
	op.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String(lang)))
	if res.message != "" {
		op.Add(goipp.MakeAttribute("status-message", goipp.TagText, goipp.String(res.message)))
	}
	if res.detail != "" {
		op.Add(goipp.MakeAttribute("detailed-status-message", goipp.TagText, goipp.String(res.detail)))
	}
	if !res.failed() {
		op = append(op, x.opAttrs...)
	}
	groups := goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: op}}
	if len(x.unsupported) > 0 {
		groups = append(groups, goipp.Group{Tag: goipp.TagUnsupportedGroup, Attrs: x.unsupported})
	}

	status := res.status
	if !res.failed() {
		groups = append(groups, x.groups...)
		switch {
		case x.status != goipp.StatusOk:
			status = x.status
		case len(x.unsupported) > 0:
			status = goipp.StatusOkIgnoredOrSubstituted
		default:
			status = goipp.StatusOk
		}
	}

	version := x.version
	if version > s.version || version>>8 < 1 {
		version = s.version
	}
	resp := &ippcodec.Response{
		Version:   version,
		Status:    status,
		RequestID: x.req.RequestID,
		Groups:    groups,
		Charset:   x.charset,
	}
	data, err := ippcodec.EncodeBytes(resp)
	if err != nil {
		s.Logger.Error("encode ipp response", "op", x.op, "err", err)
		resp.Status = goipp.StatusErrorInternal
		resp.Groups = goipp.Groups{{Tag: goipp.TagOperationGroup, Attrs: buildOperationDefaults()}}
		if data, err = ippcodec.EncodeBytes(resp); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", goipp.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.Logger.Debug("write ipp response", "err", err)
	}
}

func buildOperationDefaults() goipp.Attributes {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	attrs.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	return attrs
}
