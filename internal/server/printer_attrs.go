package server

import (
	"context"
	"math"
	"sort"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/google/uuid"

	"ippproxy/internal/ippattr"
	"ippproxy/internal/ippcodec"
	"ippproxy/internal/model"
	"ippproxy/internal/printercache"
	"ippproxy/internal/proxyprint"
)

var documentFormats = []string{
	"application/pdf",
	"application/postscript",
	"image/jpeg",
	"image/png",
	"image/pwg-raster",
	"image/urf",
	"text/plain",
	"application/octet-stream",
}

var defaultMedia = []string{"iso_a4_210x297mm", "na_letter_8.5x11in", "iso_a3_297x420mm", "iso_a5_148x210mm"}

const (
	defaultLease = 86400
	maxLease     = 67108863
	getInterval  = 30
	eventLife    = 60
)

var notifyEvents = []string{"job-created", "job-completed", "job-state-changed"}

// capabilities is what a queue offers, taken from its proxy printer when
// it has one.
type capabilities struct {
	info         string
	location     string
	makeModel    string
	state        int
	accepting    bool
	color        bool
	duplex       bool
	media        []string
	mediaDefault string
	sources      map[string]string
	sides        []string
	colorModes   []string
}

// proxyPrinter looks up the CUPS printer behind a queue, loading the
// printer list first if CUPS has not been reached yet.
func (s *Server) proxyPrinter(ctx context.Context, name string) (*printercache.Printer, bool) {
	if s.Printers == nil || name == "" {
		return nil, false
	}
	if err := s.Printers.LazyInit(ctx); err != nil {
		s.Logger.Warn("printer list unavailable", "printer", name, "err", err)
	}
	return s.Printers.Printer(name)
}

func (s *Server) capabilitiesFor(ctx context.Context, q model.Queue) capabilities {
	c := capabilities{
		info:         q.Name,
		makeModel:    "ippproxy inbox",
		state:        3,
		accepting:    !q.Disabled,
		color:        true,
		duplex:       true,
		media:        defaultMedia,
		mediaDefault: defaultMedia[0],
		sources:      map[string]string{},
	}
	if q.ProxyPrinter != "" {
		if p, ok := s.proxyPrinter(ctx, q.ProxyPrinter); ok {
			c.info = p.DisplayName
			c.location = p.Location
			if p.MakeModel != "" {
				c.makeModel = p.MakeModel
			}
			if p.State != 0 {
				c.state = p.State
			}
			c.accepting = c.accepting && p.AcceptingJobs
			c.color, c.duplex = p.ColorCapable, p.DuplexCapable
			if o, ok := p.Option("media"); ok && len(o.Choices) > 0 {
				c.media = o.Choices
				c.mediaDefault = o.Default
				if c.mediaDefault == "" {
					c.mediaDefault = o.Choices[0]
				}
			}
			if p.MediaSources != nil {
				c.sources = p.MediaSources
			}
		}
	}
	if q.Disabled {
		c.state = 5
	}
	c.sides = []string{"one-sided"}
	if c.duplex {
		c.sides = append(c.sides, "two-sided-long-edge", "two-sided-short-edge")
	}
	c.colorModes = []string{"monochrome"}
	if c.color {
		c.colorModes = append(c.colorModes, "color")
	}
	return c
}

func (c capabilities) sourceNames() []string {
	out := make([]string, 0, len(c.sources))
	for src := range c.sources {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (c capabilities) supports(keyword, value string) bool {
	var list []string
	switch keyword {
	case "media":
		list = c.media
	case "sides":
		list = c.sides
	case "print-color-mode":
		list = c.colorModes
	case "media-source":
		list = append([]string{"auto"}, c.sourceNames()...)
	case "print-scaling":
		list = scalingModes
	default:
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

var scalingModes = []string{"auto", "auto-fit", "fill", "fit", "none"}

// urfSupported lists the Apple raster capabilities advertised for a queue.
func urfSupported(color, duplex bool) []string {
	out := []string{"V1.4", "CP1", "PQ4", "RS300", "W8"}
	if color {
		out = append(out, "SRGB24")
	}
	if duplex {
		out = append(out, "DM1")
	}
	return out
}

// queueUUID is stable for a queue name on this server.
func (s *Server) queueUUID(queue string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.printerURI(nil, queue))).String()
}

func (s *Server) decodePrinterAttributes(x *exchange) result {
	names := attrStrings(x.req.Operation, "requested-attributes")
	if len(names) == 0 {
		names = []string{"all"}
	}
	x.requested = map[string]bool{}
	add := func(keywords []string) {
		for _, k := range keywords {
			x.requested[k] = true
		}
	}
	for _, name := range names {
		switch name {
		case "all":
			add(ippattr.PrinterDescription.KeywordsFor(x.version))
			add(ippattr.JobTemplate.PrinterKeywordsFor(x.version))
		case "printer-description":
			add(ippattr.PrinterDescription.KeywordsFor(x.version))
		case "job-template":
			add(ippattr.JobTemplate.PrinterKeywordsFor(x.version))
		default:
			a, ok := ippattr.LookupPrinter(name)
			if !ok {
				x.unsupported.Add(goipp.MakeAttribute(name, goipp.TagUnsupportedValue, goipp.Void{}))
				continue
			}
			if a.Version <= x.version {
				x.requested[name] = true
			}
		}
	}
	return result{}
}

func (s *Server) getPrinterAttributes(x *exchange) result {
	values := s.printerValues(x, x.queue)
	attrs := goipp.Attributes{}
	for _, k := range printerKeywordOrder() {
		if !x.requested[k] {
			continue
		}
		if a, ok := values[k]; ok {
			attrs.Add(a)
		}
	}
	x.groups = append(x.groups, goipp.Group{Tag: goipp.TagPrinterGroup, Attrs: attrs})
	return result{}
}

// printerKeywordOrder is dictionary order: printer description first, then
// the job-template printer attributes.
func printerKeywordOrder() []string {
	out := ippattr.PrinterDescription.Keywords()
	for _, k := range ippattr.JobTemplate.Keywords() {
		if a, _ := ippattr.JobTemplate.Get(k); a.Printer {
			out = append(out, k)
		}
	}
	return out
}

func (s *Server) printerValues(x *exchange, q model.Queue) map[string]goipp.Attribute {
	c := s.capabilitiesFor(x.ctx, q)
	uri := s.printerURI(x.http, q.Name)
	values := map[string]goipp.Attribute{}
	add := func(a goipp.Attribute) {
		values[a.Name] = a
	}

	add(strAttr("charset-configured", goipp.TagCharset, "utf-8"))
	add(strAttr("charset-supported", goipp.TagCharset, ippcodec.Charsets...))
	add(goipp.MakeAttribute("color-supported", goipp.TagBoolean, goipp.Boolean(c.color)))
	add(strAttr("compression-supported", goipp.TagKeyword, "none"))
	add(strAttr("document-format-default", goipp.TagMimeType, "application/octet-stream"))
	add(strAttr("document-format-supported", goipp.TagMimeType, documentFormats...))
	add(strAttr("generated-natural-language-supported", goipp.TagLanguage, "en"))
	versions := []string{"1.0", "1.1"}
	if s.version >= ippattr.V20 {
		versions = append(versions, "2.0")
	}
	add(strAttr("ipp-versions-supported", goipp.TagKeyword, versions...))
	maxK := 0
	if s.Config.MaxRequestSize > 0 {
		maxK = int(s.Config.MaxRequestSize / 1024)
	} else {
		maxK = math.MaxInt32
	}
	add(goipp.MakeAttribute("job-k-octets-supported", goipp.TagRange, goipp.Range{Lower: 0, Upper: maxK}))
	add(goipp.MakeAttribute("multiple-document-jobs-supported", goipp.TagBoolean, goipp.Boolean(false)))
	add(intAttr("multiple-operation-time-out", goipp.TagInteger, 60))
	add(strAttr("natural-language-configured", goipp.TagLanguage, "en"))
	ops := make([]int, len(supportedOps))
	for i, op := range supportedOps {
		ops[i] = int(op)
	}
	add(intAttr("operations-supported", goipp.TagEnum, ops...))
	add(strAttr("pdl-override-supported", goipp.TagKeyword, "attempted"))
	add(goipp.MakeAttribute("printer-current-time", goipp.TagDateTime, goipp.Time{Time: time.Now()}))
	add(strAttr("printer-info", goipp.TagText, c.info))
	add(goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(c.accepting)))
	if c.location != "" {
		add(strAttr("printer-location", goipp.TagText, c.location))
	}
	add(strAttr("printer-make-and-model", goipp.TagText, c.makeModel))
	add(strAttr("printer-more-info", goipp.TagURI, "http://"+s.host(x.http)+"/printers/"+q.Name))
	add(strAttr("printer-name", goipp.TagName, q.Name))
	add(intAttr("printer-state", goipp.TagEnum, c.state))
	reasons := "none"
	if q.Disabled {
		reasons = "paused"
	}
	add(strAttr("printer-state-reasons", goipp.TagKeyword, reasons))
	add(intAttr("printer-up-time", goipp.TagInteger, s.upTime()))
	add(strAttr("printer-uri-supported", goipp.TagURI, uri))
	add(intAttr("queued-job-count", goipp.TagInteger, 0))
	auth := "basic"
	if q.Trusted {
		auth = "requesting-user-name"
	}
	add(strAttr("uri-authentication-supported", goipp.TagKeyword, auth))
	add(strAttr("uri-security-supported", goipp.TagKeyword, "none"))
	add(strAttr("notify-events-default", goipp.TagKeyword, "job-completed"))
	add(strAttr("notify-events-supported", goipp.TagKeyword, notifyEvents...))
	add(intAttr("notify-lease-duration-default", goipp.TagInteger, defaultLease))
	add(goipp.MakeAttribute("notify-lease-duration-supported", goipp.TagRange, goipp.Range{Lower: 0, Upper: maxLease}))
	if s.Store != nil {
		add(intAttr("notify-max-events-supported", goipp.TagInteger, s.Store.MaxEvents))
	}
	add(strAttr("notify-pull-method-supported", goipp.TagKeyword, "ippget"))
	add(intAttr("ippget-event-life", goipp.TagInteger, eventLife))
	add(strAttr("urf-supported", goipp.TagKeyword, urfSupported(c.color, c.duplex)...))
	add(strAttr("printer-uuid", goipp.TagURI, "urn:uuid:"+s.queueUUID(q.Name)))
	add(strAttr("printer-device-id", goipp.TagText, "MFG:ippproxy;MDL:"+q.Name+";CMD:PDF,PS,JPEG,PNG,PWGRaster,URF;"))
	add(intAttr("printer-config-change-time", goipp.TagInteger, 1))
	add(intAttr("printer-state-change-time", goipp.TagInteger, 1))
	add(strAttr("printer-kind", goipp.TagKeyword, "document"))
	add(strAttr("ipp-features-supported", goipp.TagKeyword, "subscription-object"))
	add(strAttr("document-format-preferred", goipp.TagMimeType, "application/pdf"))
	add(strAttr("job-creation-attributes-supported", goipp.TagKeyword,
		"copies", "media", "media-col", "media-source", "number-up", "page-ranges", "print-color-mode", "print-scaling", "sides"))
	res := goipp.Resolution{Xres: 300, Yres: 300, Units: goipp.UnitsDpi}
	add(goipp.MakeAttribute("pwg-raster-document-resolution-supported", goipp.TagResolution, res))
	add(strAttr("pwg-raster-document-sheet-back", goipp.TagKeyword, "normal"))
	rasterTypes := []string{"sgray_8"}
	if c.color {
		rasterTypes = append(rasterTypes, "srgb_8")
	}
	add(strAttr("pwg-raster-document-type-supported", goipp.TagKeyword, rasterTypes...))
	add(strAttr("mopria-certified", goipp.TagText, "1.3"))

	// job-template printer attributes
	add(intAttr("copies-default", goipp.TagInteger, 1))
	add(goipp.MakeAttribute("copies-supported", goipp.TagRange, goipp.Range{Lower: 1, Upper: 999}))
	add(intAttr("finishings-default", goipp.TagEnum, 3))
	add(intAttr("finishings-supported", goipp.TagEnum, 3))
	add(intAttr("finishings-ready", goipp.TagEnum, 3))
	add(strAttr("job-hold-until-default", goipp.TagKeyword, "no-hold"))
	add(strAttr("job-hold-until-supported", goipp.TagKeyword, "no-hold"))
	add(intAttr("job-priority-default", goipp.TagInteger, 50))
	add(intAttr("job-priority-supported", goipp.TagInteger, 100))
	add(strAttr("job-sheets-default", goipp.TagKeyword, "none"))
	add(strAttr("job-sheets-supported", goipp.TagKeyword, "none"))
	add(strAttr("media-default", goipp.TagKeyword, c.mediaDefault))
	add(strAttr("media-supported", goipp.TagKeyword, c.media...))
	ready := c.mediaReady()
	if len(ready) > 0 {
		add(strAttr("media-ready", goipp.TagKeyword, ready...))
	}
	add(strAttr("multiple-document-handling-default", goipp.TagKeyword, "separate-documents-uncollated-copies"))
	add(strAttr("multiple-document-handling-supported", goipp.TagKeyword,
		"separate-documents-uncollated-copies", "separate-documents-collated-copies"))
	add(intAttr("number-up-default", goipp.TagInteger, 1))
	add(intAttr("number-up-supported", goipp.TagInteger, 1, 2, 4, 6, 9, 16))
	add(intAttr("orientation-requested-default", goipp.TagEnum, 3))
	add(intAttr("orientation-requested-supported", goipp.TagEnum, 3, 4, 5, 6))
	add(goipp.MakeAttribute("page-ranges-supported", goipp.TagBoolean, goipp.Boolean(true)))
	add(intAttr("print-quality-default", goipp.TagEnum, 4))
	add(intAttr("print-quality-supported", goipp.TagEnum, 3, 4, 5))
	add(goipp.MakeAttribute("printer-resolution-default", goipp.TagResolution, res))
	add(goipp.MakeAttribute("printer-resolution-supported", goipp.TagResolution, res))
	add(strAttr("sides-default", goipp.TagKeyword, "one-sided"))
	add(strAttr("sides-supported", goipp.TagKeyword, c.sides...))
	if col := mediaCol(c.mediaDefault, ""); col != nil {
		add(goipp.MakeAttribute("media-col-default", goipp.TagBeginCollection, col))
	}
	add(strAttr("media-col-supported", goipp.TagKeyword, "media-size", "media-size-name", "media-source", "media-type"))
	add(strAttr("media-source-default", goipp.TagKeyword, "auto"))
	add(strAttr("media-source-supported", goipp.TagKeyword, append([]string{"auto"}, c.sourceNames()...)...))
	add(strAttr("media-type-default", goipp.TagKeyword, "stationery"))
	add(strAttr("media-type-supported", goipp.TagKeyword, "stationery"))
	add(strAttr("output-bin-default", goipp.TagKeyword, "face-down"))
	add(strAttr("output-bin-supported", goipp.TagKeyword, "face-down"))
	add(strAttr("print-color-mode-default", goipp.TagKeyword, c.colorModes[len(c.colorModes)-1]))
	add(strAttr("print-color-mode-supported", goipp.TagKeyword, c.colorModes...))
	add(strAttr("print-content-optimize-default", goipp.TagKeyword, "auto"))
	add(strAttr("print-content-optimize-supported", goipp.TagKeyword, "auto"))
	add(strAttr("print-scaling-default", goipp.TagKeyword, "auto"))
	add(strAttr("print-scaling-supported", goipp.TagKeyword, scalingModes...))

	if cols := c.mediaColReady(); len(cols) > 0 {
		add(collectionAttr("media-col-ready", cols))
	}
	var database, sizes []goipp.Collection
	for _, m := range c.media {
		if col := mediaCol(m, ""); col != nil {
			database = append(database, col)
		}
		if size := mediaSize(m); size != nil {
			sizes = append(sizes, size)
		}
	}
	if len(database) > 0 {
		add(collectionAttr("media-col-database", database))
		add(collectionAttr("media-size-supported", sizes))
	}
	return values
}

func (c capabilities) mediaReady() []string {
	seen := map[string]bool{}
	var out []string
	for _, src := range c.sourceNames() {
		m := c.sources[src]
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func (c capabilities) mediaColReady() []goipp.Collection {
	var out []goipp.Collection
	for _, src := range c.sourceNames() {
		if col := mediaCol(c.sources[src], src); col != nil {
			out = append(out, col)
		}
	}
	return out
}

// mediaSize is the media-size collection of a PWG media name, in
// hundredths of millimetres. Unknown names yield nil.
func mediaSize(name string) goipp.Collection {
	w, h, ok := proxyprint.MediaDimensions(name)
	if !ok {
		return nil
	}
	return goipp.Collection{
		goipp.MakeAttribute("x-dimension", goipp.TagInteger, goipp.Integer(int(math.Round(w*100)))),
		goipp.MakeAttribute("y-dimension", goipp.TagInteger, goipp.Integer(int(math.Round(h*100)))),
	}
}

func mediaCol(name, source string) goipp.Collection {
	size := mediaSize(name)
	if size == nil {
		return nil
	}
	col := goipp.Collection{
		goipp.MakeAttribute("media-size", goipp.TagBeginCollection, size),
		goipp.MakeAttribute("media-size-name", goipp.TagKeyword, goipp.String(name)),
	}
	if source != "" {
		col.Add(goipp.MakeAttribute("media-source", goipp.TagKeyword, goipp.String(source)))
	}
	return col
}

func collectionAttr(name string, cols []goipp.Collection) goipp.Attribute {
	attr := goipp.Attribute{Name: name}
	for _, c := range cols {
		attr.Values.Add(goipp.TagBeginCollection, c)
	}
	return attr
}
