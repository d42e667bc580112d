package cupsclient

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// Printer is one printer as reported by CUPS-Get-Printers.
type Printer struct {
	Name  string
	Attrs goipp.Attributes
}

// Job is the part of a CUPS job the proxy tracks.
type Job struct {
	ID            int
	Printer       string
	State         int
	CreationTime  time.Time
	CompletedTime time.Time
}

// Printers lists every printer known to CUPS with all attributes.
func (c *Client) Printers(ctx context.Context) ([]Printer, error) {
	req := c.newRequest(goipp.OpCupsGetPrinters)
	req.Operation.Add(goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("all")))
	resp, err := c.Send(ctx, req, nil)
	if err != nil {
		if se, ok := err.(*StatusError); ok && se.Status == goipp.StatusErrorNotFound {
			return nil, nil
		}
		return nil, err
	}
	var out []Printer
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagPrinterGroup {
			continue
		}
		name := attrString(g.Attrs, "printer-name")
		if name == "" {
			continue
		}
		out = append(out, Printer{Name: name, Attrs: g.Attrs})
	}
	return out, nil
}

// PrintJob submits doc to printer. template holds job-template attributes
// such as media, sides and copies. An empty format means PDF.
func (c *Client) PrintJob(ctx context.Context, printer, user, jobName, format string, template goipp.Attributes, doc io.Reader) (Job, error) {
	if format == "" {
		format = "application/pdf"
	}
	req := c.newRequest(goipp.OpPrintJob)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(printer))))
	req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(user)))
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(jobName)))
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))
	req.Job = append(req.Job, template...)

	resp, err := c.Send(ctx, req, doc)
	if err != nil {
		return Job{}, err
	}
	job := jobFromAttrs(resp.Job)
	job.Printer = printer
	if job.CreationTime.IsZero() {
		job.CreationTime = time.Now()
	}
	return job, nil
}

// GetJobAttributes reads the state and timestamps of one job.
func (c *Client) GetJobAttributes(ctx context.Context, id int) (Job, error) {
	req := c.newRequest(goipp.OpGetJobAttributes)
	req.Operation.Add(goipp.MakeAttribute("job-uri", goipp.TagURI, goipp.String(c.JobURI(id))))
	req.Operation.Add(jobRequestedAttributes())
	resp, err := c.Send(ctx, req, nil)
	if err != nil {
		return Job{}, err
	}
	job := jobFromAttrs(resp.Job)
	if job.ID == 0 {
		job.ID = id
	}
	return job, nil
}

// GetJobs lists jobs on printer. which is "not-completed" or "completed".
func (c *Client) GetJobs(ctx context.Context, printer, which string) ([]Job, error) {
	req := c.newRequest(goipp.OpGetJobs)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(printer))))
	if which != "" {
		req.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String(which)))
	}
	req.Operation.Add(jobRequestedAttributes())
	resp, err := c.Send(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagJobGroup {
			continue
		}
		job := jobFromAttrs(g.Attrs)
		if job.ID == 0 {
			continue
		}
		if job.Printer == "" {
			job.Printer = printer
		}
		out = append(out, job)
	}
	return out, nil
}

// CreateSubscription registers a server wide subscription delivering
// events to recipient, e.g. "dbus://". It returns the subscription id.
func (c *Client) CreateSubscription(ctx context.Context, recipient string, events []string, lease time.Duration) (int, error) {
	req := c.newRequest(goipp.OpCreatePrinterSubscriptions)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/")))
	if c.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(c.User)))
	}
	sub := goipp.Attributes{
		goipp.MakeAttribute("notify-recipient-uri", goipp.TagURI, goipp.String(recipient)),
	}
	if len(events) > 0 {
		ev := goipp.MakeAttribute("notify-events", goipp.TagKeyword, goipp.String(events[0]))
		for _, e := range events[1:] {
			ev.Values.Add(goipp.TagKeyword, goipp.String(e))
		}
		sub = append(sub, ev)
	}
	sub = append(sub, goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(int32(lease/time.Second))))
	req.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: req.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: sub},
	}
	resp, err := c.Send(ctx, req, nil)
	if err != nil {
		return 0, err
	}
	for _, g := range resp.Groups {
		if g.Tag != goipp.TagSubscriptionGroup {
			continue
		}
		if id, ok := attrInt(g.Attrs, "notify-subscription-id"); ok {
			return id, nil
		}
	}
	return 0, nil
}

// RenewSubscription extends the lease of subscription id. CUPS answers
// client-error-not-found once the subscription has expired.
func (c *Client) RenewSubscription(ctx context.Context, id int, lease time.Duration) error {
	req := c.newRequest(goipp.OpRenewSubscription)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(id)))
	if c.User != "" {
		req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(c.User)))
	}
	req.Groups = goipp.Groups{
		{Tag: goipp.TagOperationGroup, Attrs: req.Operation},
		{Tag: goipp.TagSubscriptionGroup, Attrs: goipp.Attributes{
			goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(int32(lease/time.Second))),
		}},
	}
	_, err := c.Send(ctx, req, nil)
	return err
}

func jobRequestedAttributes() goipp.Attribute {
	attr := goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("job-id"))
	for _, name := range []string{"job-state", "job-printer-uri", "time-at-creation", "time-at-completed"} {
		attr.Values.Add(goipp.TagKeyword, goipp.String(name))
	}
	return attr
}

func jobFromAttrs(attrs goipp.Attributes) Job {
	var job Job
	job.ID, _ = attrInt(attrs, "job-id")
	job.State, _ = attrInt(attrs, "job-state")
	if uri := attrString(attrs, "job-printer-uri"); uri != "" {
		if i := strings.LastIndex(uri, "/"); i >= 0 {
			job.Printer = uri[i+1:]
		}
	}
	if v, ok := attrInt(attrs, "time-at-creation"); ok && v > 0 {
		job.CreationTime = time.Unix(int64(v), 0)
	}
	if v, ok := attrInt(attrs, "time-at-completed"); ok && v > 0 {
		job.CompletedTime = time.Unix(int64(v), 0)
	}
	return job
}

// JobIDFromURI extracts the trailing job number of a job URI.
func JobIDFromURI(uri string) (int, bool) {
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return 0, false
	}
	id, err := strconv.Atoi(uri[i+1:])
	return id, err == nil && id > 0
}
