package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/google/uuid"

	"ippproxy/internal/cupsclient"
	"ippproxy/internal/model"
	"ippproxy/internal/notify"
	"ippproxy/internal/proxyprint"
	"ippproxy/internal/spool"
	"ippproxy/internal/store"
)

const sniffLen = 512

func (s *Server) decodeJob(x *exchange) result {
	if res := s.decodeFormat(x); res.failed() {
		return res
	}
	return s.checkTemplate(x)
}

// decodeFormat settles the document format. application/octet-stream is
// replaced by the sniffed type when the payload is recognised.
func (s *Server) decodeFormat(x *exchange) result {
	format := strings.ToLower(attrString(x.req.Operation, "document-format"))
	if format == "" {
		format = "application/octet-stream"
	}
	if !formatSupported(format) {
		x.unsupported.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))
		return fail(goipp.StatusErrorDocumentFormatNotSupported, "document-format %s not supported", format)
	}
	if format == "application/octet-stream" && x.body != nil && x.op != goipp.OpValidateJob && x.op != goipp.OpCreateJob {
		br := bufio.NewReaderSize(x.body, sniffLen)
		head, _ := br.Peek(sniffLen)
		if len(head) > 0 {
			sniffed, _, _ := strings.Cut(http.DetectContentType(head), ";")
			if formatSupported(sniffed) {
				format = sniffed
			}
		}
		x.body = br
	}
	x.format = format
	return result{}
}

func formatSupported(format string) bool {
	for _, f := range documentFormats {
		if f == format {
			return true
		}
	}
	return false
}

// checkTemplate moves job-template values the queue cannot honour to the
// unsupported group. With ipp-attribute-fidelity the request fails instead.
func (s *Server) checkTemplate(x *exchange) result {
	c := s.capabilitiesFor(x.ctx, x.queue)
	rejected := false
	for _, g := range x.req.Groups {
		if g.Tag != goipp.TagJobGroup {
			continue
		}
		for _, attr := range g.Attrs {
			if len(attr.Values) == 0 {
				continue
			}
			ok := true
			switch attr.Name {
			case "copies":
				n, isInt := attr.Values[0].V.(goipp.Integer)
				ok = isInt && n >= 1 && n <= 999
			case "media", "sides", "print-color-mode", "media-source", "print-scaling":
				ok = c.supports(attr.Name, attr.Values[0].V.String())
			}
			if !ok {
				x.unsupported.Add(attr)
				rejected = true
			}
		}
	}
	if rejected && attrBool(x.req.Operation, "ipp-attribute-fidelity") {
		return fail(goipp.StatusErrorAttributesOrValues, "unsupported job attributes")
	}
	return result{}
}

func (s *Server) validateJob(x *exchange) result {
	return result{}
}

func (s *Server) createJob(x *exchange) result {
	job, res := s.registerJob(x)
	if res.failed() {
		return res
	}
	x.groups = append(x.groups, s.jobGroup(x, job, model.JobPending, "job-incoming", ""))
	return result{}
}

func (s *Server) printJob(x *exchange) result {
	job, res := s.registerJob(x)
	if res.failed() {
		return res
	}
	job, res = s.receiveDocument(x, job)
	if res.failed() {
		return res
	}
	return s.finishJob(x, job)
}

// finishJob forwards a received job when the queue proxies to a printer
// and reports its state.
func (s *Server) finishJob(x *exchange, job model.InboxJob) result {
	if x.queue.ProxyPrinter == "" || s.Proxy == nil {
		x.groups = append(x.groups, s.jobGroup(x, job, model.JobProcessing, "none", ""))
		return result{}
	}
	if err := s.forward(x, job); err != nil {
		s.Logger.Warn("forward job", "job", job.ID, "printer", x.queue.ProxyPrinter, "err", err)
		s.setJobState(x.ctx, x.queue, job, model.JobAborted, "job-completed", err.Error())
		if s.Events != nil {
			s.Events.Publish(x.ctx, notify.LevelWarn, "ipp",
				fmt.Sprintf("job %d for %s could not be forwarded to %s: %v", job.ID, job.Username, x.queue.ProxyPrinter, err))
		}
		x.groups = append(x.groups, s.jobGroup(x, job, model.JobAborted, "aborted-by-system", err.Error()))
		return result{}
	}
	x.groups = append(x.groups, s.jobGroup(x, job, model.JobProcessing, "none", ""))
	return result{}
}

func (s *Server) decodeSendDocument(x *exchange) result {
	if _, ok := attrIntPresent(x.req.Operation, "job-id"); !ok && attrString(x.req.Operation, "job-uri") == "" {
		return fail(goipp.StatusErrorBadRequest, "job-id or job-uri required")
	}
	if _, ok := findAttr(x.req.Operation, "last-document"); !ok {
		return fail(goipp.StatusErrorBadRequest, "last-document required")
	}
	return s.decodeFormat(x)
}

func (s *Server) sendDocument(x *exchange) result {
	id := attrInt(x.req.Operation, "job-id")
	if id == 0 {
		n, _ := cupsclient.JobIDFromURI(attrString(x.req.Operation, "job-uri"))
		id = int64(n)
	}
	var job model.InboxJob
	err := s.Store.WithTx(x.ctx, true, func(tx *store.Tx) error {
		var err error
		job, err = s.Store.GetInboxJob(x.ctx, tx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fail(goipp.StatusErrorNotFound, "job %d not found", id)
	}
	if err != nil {
		return internalError(err)
	}
	if !x.user.IsAdmin && !strings.EqualFold(job.Username, x.user.Username) {
		return fail(goipp.StatusErrorNotAuthorized, "job %d belongs to another user", id)
	}
	if job.State != model.JobPending {
		return fail(goipp.StatusErrorNotPossible, "job %d is not waiting for a document", id)
	}
	job, res := s.receiveDocument(x, job)
	if res.failed() {
		return res
	}
	return s.finishJob(x, job)
}

func (s *Server) registerJob(x *exchange) (model.InboxJob, result) {
	title := attrString(x.req.Operation, "job-name")
	if title == "" {
		title = attrString(x.req.Operation, "document-name")
	}
	if title == "" {
		title = "untitled"
	}
	jobAttrs := jobTemplateAttrs(x.req)
	job := model.InboxJob{
		Username:  x.user.Username,
		Queue:     x.queue.Name,
		Title:     title,
		MimeType:  x.format,
		JobUUID:   "urn:uuid:" + uuid.NewString(),
		FitToPage: attrString(jobAttrs, "print-scaling") == "fit",
		MediaSize: attrString(jobAttrs, "media"),
	}
	err := s.Store.WithTx(x.ctx, false, func(tx *store.Tx) error {
		var err error
		job, err = s.Store.CreateInboxJob(x.ctx, tx, job)
		if err != nil {
			return err
		}
		return s.Store.AddJobEvent(x.ctx, tx, x.queue.ID, job.ID, "job-created", model.JobPending, "job "+title+" created")
	})
	if err != nil {
		return job, internalError(err)
	}
	s.Logger.Info("job created", "job", job.ID, "user", job.Username, "queue", job.Queue, "title", title)
	return job, result{}
}

// receiveDocument spools the request payload and completes the inbox job.
func (s *Server) receiveDocument(x *exchange, job model.InboxJob) (model.InboxJob, result) {
	name := attrString(x.req.Operation, "document-name")
	if name == "" {
		name = job.Title
	}
	path, size, err := s.Spool.Save(job.ID, name, x.body)
	if err != nil {
		s.setJobState(x.ctx, x.queue, job, model.JobAborted, "job-completed", err.Error())
		if errors.Is(err, spool.ErrTooLarge) {
			return job, fail(goipp.StatusErrorRequestEntity, "document too large")
		}
		return job, internalError(err)
	}
	pages := 0
	if x.format == "application/pdf" && s.Pages != nil {
		if pages, err = s.Pages.CountPages(path); err != nil {
			s.Logger.Warn("count pages", "job", job.ID, "path", path, "err", err)
			pages = 0
		}
	}
	err = s.Store.WithTx(x.ctx, false, func(tx *store.Tx) error {
		if err := s.Store.AttachInboxDocument(x.ctx, tx, job.ID, path, x.format, size, pages); err != nil {
			return err
		}
		if err := s.Store.UpdateInboxJobState(x.ctx, tx, job.ID, model.JobCompleted); err != nil {
			return err
		}
		return s.Store.AddJobEvent(x.ctx, tx, x.queue.ID, job.ID, "job-completed", model.JobCompleted, "job "+job.Title+" received")
	})
	if err != nil {
		_ = s.Spool.Remove(path)
		return job, internalError(err)
	}
	job.Path, job.MimeType, job.SizeBytes, job.Pages, job.State = path, x.format, size, pages, model.JobCompleted
	s.Logger.Info("document received", "job", job.ID, "bytes", size, "pages", pages, "format", x.format)
	return job, result{}
}

func (s *Server) setJobState(ctx context.Context, q model.Queue, job model.InboxJob, state int, event, text string) {
	err := s.Store.WithTx(ctx, false, func(tx *store.Tx) error {
		if err := s.Store.UpdateInboxJobState(ctx, tx, job.ID, state); err != nil {
			return err
		}
		return s.Store.AddJobEvent(ctx, tx, q.ID, job.ID, event, state, text)
	})
	if err != nil {
		s.Logger.Error("update job state", "job", job.ID, "state", state, "err", err)
	}
}

// forward prints one received job on the queue's proxy printer and drops
// it from the inbox.
func (s *Server) forward(x *exchange, job model.InboxJob) error {
	attrs := jobTemplateAttrs(x.req)
	req := proxyprint.Request{
		Username:    job.Username,
		Printer:     x.queue.ProxyPrinter,
		JobName:     job.Title,
		Copies:      int(attrInt(attrs, "copies")),
		Duplex:      strings.HasPrefix(attrString(attrs, "sides"), "two-sided"),
		Grayscale:   attrString(attrs, "print-color-mode") == "monochrome",
		NUp:         int(attrInt(attrs, "number-up")),
		MediaSize:   attrString(attrs, "media"),
		MediaSource: attrString(attrs, "media-source"),
		Scaling:     attrString(attrs, "print-scaling"),
		Clear:       proxyprint.ClearJobs,
		Jobs:        []int64{job.ID},
	}
	_, err := s.Proxy.Print(x.ctx, req)
	return err
}

func jobTemplateAttrs(req *goipp.Message) goipp.Attributes {
	var out goipp.Attributes
	for _, g := range req.Groups {
		if g.Tag == goipp.TagJobGroup {
			out = append(out, g.Attrs...)
		}
	}
	return out
}

func (s *Server) jobGroup(x *exchange, job model.InboxJob, state int, reason, message string) goipp.Group {
	attrs := goipp.Attributes{}
	attrs.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(job.ID)))
	attrs.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(s.jobURI(x.http, job.ID))))
	attrs.Add(goipp.MakeAttribute("job-uuid", goipp.TagURI, goipp.String(job.JobUUID)))
	attrs.Add(goipp.MakeAttribute("job-state", goipp.TagEnum, goipp.Integer(state)))
	attrs.Add(goipp.MakeAttribute("job-state-reasons", goipp.TagKeyword, goipp.String(reason)))
	if message != "" {
		attrs.Add(goipp.MakeAttribute("job-state-message", goipp.TagText, goipp.String(message)))
	}
	return goipp.Group{Tag: goipp.TagJobGroup, Attrs: attrs}
}
