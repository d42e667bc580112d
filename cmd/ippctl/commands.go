package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/OpenPrinting/goipp"
	"github.com/spf13/cobra"
)

var attrsCmd = &cobra.Command{
	Use:   "attrs [keyword...]",
	Short: "Show printer attributes",
	Long:  "Send Get-Printer-Attributes and print the returned attributes, optionally limited to the given keywords or groups",
	RunE:  runAttrs,
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a job without printing",
	Long:  "Send Validate-Job with the given options and report unsupported attributes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

var printCmd = &cobra.Command{
	Use:   "print <file>",
	Short: "Print a document",
	Long:  "Send Print-Job with the document, use - to read standard input",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrint,
}

var releaseCmd = &cobra.Command{
	Use:   "release <ticket>",
	Short: "Release a held print ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelease,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the printer list from CUPS",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

var inboxPrintCmd = &cobra.Command{
	Use:   "inbox-print <user> <printer>",
	Short: "Print a user's inbox on a CUPS printer",
	Args:  cobra.ExactArgs(2),
	RunE:  runInboxPrint,
}

// inboxPrint is the body of an inbox print request.
type inboxPrint struct {
	Printer     string  `json:"printer"`
	JobName     string  `json:"jobName,omitempty"`
	Pages       string  `json:"pages,omitempty"`
	Copies      int     `json:"copies,omitempty"`
	Duplex      bool    `json:"duplex,omitempty"`
	Grayscale   bool    `json:"grayscale,omitempty"`
	Eco         bool    `json:"eco,omitempty"`
	NUp         int     `json:"nUp,omitempty"`
	MediaSize   string  `json:"mediaSize,omitempty"`
	MediaSource string  `json:"mediaSource,omitempty"`
	Scaling     string  `json:"scaling,omitempty"`
	Clear       string  `json:"clear,omitempty"`
	Ticket      bool    `json:"ticket,omitempty"`
	Jobs        []int64 `json:"jobs,omitempty"`
}

var inboxFlags inboxPrint

type jobFlags struct {
	title    string
	format   string
	copies   int
	fidelity bool
	options  []string
}

var (
	validateFlags jobFlags
	printFlags    jobFlags
)

func init() {
	for _, c := range []struct {
		cmd *cobra.Command
		f   *jobFlags
	}{{validateCmd, &validateFlags}, {printCmd, &printFlags}} {
		c.cmd.Flags().StringVarP(&c.f.title, "title", "t", "", "Job name")
		c.cmd.Flags().StringVar(&c.f.format, "format", "", "Document format, guessed from the file name when empty")
		c.cmd.Flags().IntVarP(&c.f.copies, "copies", "n", 0, "Number of copies")
		c.cmd.Flags().BoolVar(&c.f.fidelity, "fidelity", false, "Reject the job when any attribute is unsupported")
		c.cmd.Flags().StringArrayVarP(&c.f.options, "option", "o", nil, "Job attribute as keyword=value")
	}

	f := inboxPrintCmd.Flags()
	f.StringVarP(&inboxFlags.JobName, "title", "t", "", "Job name of a merged print")
	f.StringVar(&inboxFlags.Pages, "pages", "", "Inbox pages to print, such as 1-3,7")
	f.IntVarP(&inboxFlags.Copies, "copies", "n", 0, "Number of copies")
	f.BoolVar(&inboxFlags.Duplex, "duplex", false, "Print on both sides")
	f.BoolVar(&inboxFlags.Grayscale, "grayscale", false, "Print in monochrome")
	f.BoolVar(&inboxFlags.Eco, "eco", false, "Charge the eco price")
	f.IntVar(&inboxFlags.NUp, "nup", 0, "Pages per side")
	f.StringVar(&inboxFlags.MediaSize, "media", "", "Media size keyword")
	f.StringVar(&inboxFlags.MediaSource, "source", "", "Media source keyword")
	f.StringVar(&inboxFlags.Scaling, "scaling", "", "print-scaling keyword")
	f.StringVar(&inboxFlags.Clear, "clear", "", "What to drop from the inbox afterwards: ALL, JOBS, PAGES or NONE")
	f.BoolVar(&inboxFlags.Ticket, "ticket", false, "Hold the print for release instead of printing now")
	f.Int64SliceVar(&inboxFlags.Jobs, "job", nil, "Restrict printing to these inbox job ids")
}

func currentSession() (*session, error) {
	return newSession(globals.server, globals.queue, globals.user, globals.password, globals.version)
}

func runAttrs(cmd *cobra.Command, args []string) error {
	s, err := currentSession()
	if err != nil {
		return err
	}
	req := s.newRequest(goipp.OpGetPrinterAttributes)
	if len(args) > 0 {
		vals := make([]goipp.Value, 0, len(args))
		for _, a := range args {
			vals = append(vals, goipp.String(a))
		}
		req.Operation.Add(keywords("requested-attributes", vals...))
	}
	resp, err := s.do(cmd.Context(), req, nil)
	if err != nil {
		return err
	}
	writeAttrs(cmd.OutOrStdout(), resp.Printer)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	s, err := currentSession()
	if err != nil {
		return err
	}
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	req := s.newRequest(goipp.OpValidateJob)
	if err := applyJobFlags(req, validateFlags, name); err != nil {
		return err
	}
	resp, err := s.do(cmd.Context(), req, nil)
	if resp != nil && len(resp.Unsupported) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "unsupported:")
		writeAttrs(cmd.OutOrStdout(), resp.Unsupported)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), goipp.Status(resp.Code))
	return nil
}

func runPrint(cmd *cobra.Command, args []string) error {
	s, err := currentSession()
	if err != nil {
		return err
	}
	name := args[0]
	var doc io.Reader = cmd.InOrStdin()
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		doc = f
	}
	req := s.newRequest(goipp.OpPrintJob)
	if err := applyJobFlags(req, printFlags, name); err != nil {
		return err
	}
	resp, err := s.do(cmd.Context(), req, doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", findAttr(resp.Job, "job-id"), findAttr(resp.Job, "job-state"))
	if len(resp.Unsupported) > 0 {
		writeAttrs(cmd.ErrOrStderr(), resp.Unsupported)
	}
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid ticket %q", args[0])
	}
	s, err := currentSession()
	if err != nil {
		return err
	}
	body, err := s.admin(cmd.Context(), fmt.Sprintf("/admin/tickets/%d/release", id), nil)
	if len(body) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	}
	return err
}

func runInboxPrint(cmd *cobra.Command, args []string) error {
	s, err := currentSession()
	if err != nil {
		return err
	}
	body := inboxFlags
	body.Printer = args[1]
	resp, err := s.admin(cmd.Context(), "/admin/inbox/"+url.PathEscape(args[0])+"/print", body)
	if len(resp) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(resp)))
	}
	return err
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	s, err := currentSession()
	if err != nil {
		return err
	}
	body, err := s.admin(cmd.Context(), "/admin/printers/refresh", nil)
	if len(body) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	}
	return err
}

func applyJobFlags(req *goipp.Message, f jobFlags, fileName string) error {
	title := f.title
	if title == "" && fileName != "" && fileName != "-" {
		title = filepath.Base(fileName)
	}
	if title != "" {
		req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(title)))
	}
	if f.fidelity {
		req.Operation.Add(goipp.MakeAttribute("ipp-attribute-fidelity", goipp.TagBoolean, goipp.Boolean(true)))
	}
	format := f.format
	if format == "" {
		format = guessMime(fileName)
	}
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String(format)))

	if f.copies > 0 {
		req.Job.Add(goipp.MakeAttribute("copies", goipp.TagInteger, goipp.Integer(f.copies)))
	}
	for _, opt := range f.options {
		key, val, ok := strings.Cut(opt, "=")
		if !ok || key == "" {
			return fmt.Errorf("option %q: want keyword=value", opt)
		}
		addJobOption(req, key, val)
	}
	return nil
}

func addJobOption(req *goipp.Message, key, val string) {
	switch key {
	case "copies", "number-up", "job-priority":
		if n, err := strconv.Atoi(val); err == nil {
			req.Job.Add(goipp.MakeAttribute(key, goipp.TagInteger, goipp.Integer(n)))
			return
		}
	case "print-quality", "orientation-requested", "finishings":
		if n, err := strconv.Atoi(val); err == nil {
			req.Job.Add(goipp.MakeAttribute(key, goipp.TagEnum, goipp.Integer(n)))
			return
		}
	case "page-ranges":
		lo, hi, ok := strings.Cut(val, "-")
		if !ok {
			hi = lo
		}
		l, err1 := strconv.Atoi(lo)
		h, err2 := strconv.Atoi(hi)
		if err1 == nil && err2 == nil {
			req.Job.Add(goipp.MakeAttribute(key, goipp.TagRange, goipp.Range{Lower: l, Upper: h}))
			return
		}
	}
	req.Job.Add(goipp.MakeAttribute(key, goipp.TagKeyword, goipp.String(val)))
}

func guessMime(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".pdf":
		return "application/pdf"
	case ".ps":
		return "application/postscript"
	case ".txt", ".log":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pwg":
		return "image/pwg-raster"
	case ".urf":
		return "image/urf"
	default:
		return "application/octet-stream"
	}
}

func keywords(name string, vals ...goipp.Value) goipp.Attribute {
	a := goipp.Attribute{Name: name}
	for _, v := range vals {
		a.Values.Add(goipp.TagKeyword, v)
	}
	return a
}

func writeAttrs(w io.Writer, attrs goipp.Attributes) {
	sorted := append(goipp.Attributes(nil), attrs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, a := range sorted {
		vals := make([]string, 0, len(a.Values))
		for _, v := range a.Values {
			vals = append(vals, v.V.String())
		}
		fmt.Fprintf(w, "%s = %s\n", a.Name, strings.Join(vals, ","))
	}
}
