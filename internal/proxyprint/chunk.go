package proxyprint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"ippproxy/internal/accounting"
	"ippproxy/internal/model"
	"ippproxy/internal/printercache"
)

var ErrInvalidPages = errors.New("proxyprint: invalid page selection")

// Clear says what happens to the inbox after a successful print.
type Clear string

const (
	ClearAll   Clear = "ALL"
	ClearJobs  Clear = "JOBS"
	ClearPages Clear = "PAGES"
	ClearNone  Clear = "NONE"
)

type Request struct {
	Username string
	Printer  string
	JobName  string
	// Pages selects inbox pages, numbered across all inbox documents
	// ("1-3,7"). Empty selects everything.
	Pages       string
	Copies      int
	Duplex      bool
	Grayscale   bool
	Eco         bool
	NUp         int
	MediaSize   string
	MediaSource string
	Scaling     string
	Clear       Clear
	Ticket      bool
	// Jobs restricts printing to these inbox jobs. Empty means the whole
	// inbox.
	Jobs []int64
	// Options are passed to CUPS as keyword job-template attributes.
	Options map[string]string
}

// ChunkDoc is the part of one inbox document printed by a chunk.
type ChunkDoc struct {
	InboxJobID int64
	Path       string
	Pages      []int
	Fillers    int
	// Format is set for documents that cannot be split into pages. They
	// are sent to CUPS as they are, alone in their chunk.
	Format string
}

// Chunk becomes exactly one CUPS job.
type Chunk struct {
	Docs           []ChunkDoc
	JobName        string
	MediaSize      string
	MediaSource    string
	AssignedSource string
	AssignedMedia  string
	Scaling        string
	FitToPage      bool
	LogicalPages   int
	PhysicalPages  int
	Sheets         int
	ESU            int64
	Cost           accounting.CostResult
}

type virtualPage struct {
	job  int
	page int
}

// BuildChunks splits the selected inbox pages into chunks. An unedited
// inbox with several documents prints one job per document; anything else
// prints as a single job. A document that cannot be split counts as one page
// and always prints as its own job.
func BuildChunks(req Request, inbox []model.InboxJob, printer *printercache.Printer) ([]Chunk, error) {
	var pages []virtualPage
	for i, j := range inbox {
		if !splittable(j) {
			pages = append(pages, virtualPage{job: i, page: 1})
			continue
		}
		deleted := make(map[int]bool, len(j.DeletedPages))
		for _, p := range j.DeletedPages {
			deleted[p] = true
		}
		for p := 1; p <= j.Pages; p++ {
			if !deleted[p] {
				pages = append(pages, virtualPage{job: i, page: p})
			}
		}
	}
	selected, err := parseSelection(req.Pages, len(pages))
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: nothing selected", ErrInvalidPages)
	}

	var docs []ChunkDoc
	var docJobs []int
	for _, v := range selected {
		vp := pages[v-1]
		if len(docJobs) == 0 || docJobs[len(docJobs)-1] != vp.job {
			j := inbox[vp.job]
			d := ChunkDoc{InboxJobID: j.ID, Path: j.Path}
			if !splittable(j) {
				d.Format = j.MimeType
				if d.Format == "" {
					d.Format = "application/pdf"
				}
			}
			docs = append(docs, d)
			docJobs = append(docJobs, vp.job)
		}
		docs[len(docs)-1].Pages = append(docs[len(docs)-1].Pages, vp.page)
	}

	vanilla := len(docs) > 1
	for _, j := range docJobs {
		if len(inbox[j].DeletedPages) > 0 {
			vanilla = false
		}
	}

	var chunks []Chunk
	merged := -1
	for i, d := range docs {
		j := inbox[docJobs[i]]
		if vanilla || d.Format != "" {
			chunks = append(chunks, Chunk{Docs: []ChunkDoc{d}, JobName: j.Title, FitToPage: j.FitToPage, MediaSize: j.MediaSize})
			merged = -1
			continue
		}
		if merged >= 0 {
			chunks[merged].Docs = append(chunks[merged].Docs, d)
			continue
		}
		name := req.JobName
		if name == "" {
			name = j.Title
		}
		chunks = append(chunks, Chunk{Docs: []ChunkDoc{d}, JobName: name, FitToPage: j.FitToPage, MediaSize: j.MediaSize})
		merged = len(chunks) - 1
	}
	for i := range chunks {
		finishChunk(&chunks[i], req, printer)
	}
	return chunks, nil
}

// splittable reports whether pages of j can be selected and merged. That
// needs a PDF with a known page count.
func splittable(j model.InboxJob) bool {
	return (j.MimeType == "" || j.MimeType == "application/pdf") && j.Pages > 0
}

func finishChunk(c *Chunk, req Request, printer *printercache.Printer) {
	switch {
	case req.MediaSize != "":
		c.MediaSize = req.MediaSize
	case c.MediaSize != "":
	case printer != nil && printer.Default("media") != "":
		c.MediaSize = printer.Default("media")
	default:
		c.MediaSize = "auto"
	}
	if printer != nil {
		sources := make([]string, 0, len(printer.MediaSources))
		for src := range printer.MediaSources {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		for _, src := range sources {
			if printer.MediaSources[src] == c.MediaSize {
				c.AssignedSource, c.AssignedMedia = src, c.MediaSize
				break
			}
		}
	}
	c.MediaSource = c.AssignedSource
	if c.MediaSource == "" {
		c.MediaSource = req.MediaSource
	}

	c.Scaling = req.Scaling
	if c.Scaling == "" {
		c.Scaling = "auto"
		if c.FitToPage {
			c.Scaling = "fit"
		}
	}

	nUp := req.NUp
	if nUp < 1 {
		nUp = 1
	}
	perSheet := nUp
	if req.Duplex {
		perSheet *= 2
	}
	c.LogicalPages, c.PhysicalPages = 0, 0
	for i := range c.Docs {
		n := len(c.Docs[i].Pages)
		c.Docs[i].Fillers = 0
		if i < len(c.Docs)-1 && perSheet > 1 {
			c.Docs[i].Fillers = (perSheet - n%perSheet) % perSheet
		}
		c.LogicalPages += n
		c.PhysicalPages += n + c.Docs[i].Fillers
	}
	sides := (c.PhysicalPages + nUp - 1) / nUp
	sheets := sides
	if req.Duplex {
		sheets = (sides + 1) / 2
	}
	copies := req.Copies
	if copies < 1 {
		copies = 1
	}
	c.Sheets = sheets * copies
	c.ESU = ESUForMedia(c.Sheets, c.MediaSize)
}

// parseSelection turns "1-3,7" into sorted unique page numbers in 1..total.
func parseSelection(sel string, total int) ([]int, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || strings.EqualFold(sel, "all") {
		out := make([]int, total)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	seen := map[int]bool{}
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPages, part)
		}
		last := first
		if isRange {
			if strings.TrimSpace(hi) == "" {
				last = total
			} else if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPages, part)
			}
		}
		if first < 1 || last > total || first > last {
			return nil, fmt.Errorf("%w: %q outside 1-%d", ErrInvalidPages, part, total)
		}
		for p := first; p <= last; p++ {
			seen[p] = true
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}
