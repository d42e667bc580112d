// Package pdfgen builds the physical PDF of one proxy print chunk.
package pdfgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/spf13/afero"
)

// Document selects pages of one spooled PDF. Fillers blank pages are
// appended after the selection.
type Document struct {
	Path    string
	Pages   []int
	Fillers int
}

type Request struct {
	Output    string
	Documents []Document
}

type Generator struct {
	Fs   afero.Fs
	conf *model.Configuration
}

func New(fs afero.Fs) *Generator {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Generator{Fs: fs, conf: conf}
}

// Generate writes req.Output and returns its page count, fillers included.
func (g *Generator) Generate(ctx context.Context, req Request) (int, error) {
	if len(req.Documents) == 0 {
		return 0, fmt.Errorf("pdfgen: no documents")
	}
	parts := make([]io.ReadSeeker, 0, len(req.Documents))
	total := 0
	for i, doc := range req.Documents {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		part, n, err := g.extract(doc)
		if err != nil {
			return 0, fmt.Errorf("pdfgen: document %d (%s): %w", i, doc.Path, err)
		}
		parts = append(parts, part)
		total += n
	}

	var out bytes.Buffer
	if len(parts) == 1 {
		if _, err := io.Copy(&out, parts[0]); err != nil {
			return 0, err
		}
	} else if err := api.MergeRaw(parts, &out, false, g.conf); err != nil {
		return 0, fmt.Errorf("pdfgen: merge: %w", err)
	}
	if err := afero.WriteFile(g.Fs, req.Output, out.Bytes(), 0o644); err != nil {
		return 0, err
	}
	return total, nil
}

func (g *Generator) extract(doc Document) (io.ReadSeeker, int, error) {
	data, err := afero.ReadFile(g.Fs, doc.Path)
	if err != nil {
		return nil, 0, err
	}
	cur := bytes.NewReader(data)
	n, err := api.PageCount(cur, g.conf)
	if err != nil {
		return nil, 0, err
	}
	if len(doc.Pages) > 0 {
		for _, p := range doc.Pages {
			if p < 1 || p > n {
				return nil, 0, fmt.Errorf("page %d out of range 1-%d", p, n)
			}
		}
		var buf bytes.Buffer
		if _, err := cur.Seek(0, io.SeekStart); err != nil {
			return nil, 0, err
		}
		if err := api.Trim(cur, &buf, Selection(doc.Pages), g.conf); err != nil {
			return nil, 0, err
		}
		cur = bytes.NewReader(buf.Bytes())
		n = len(uniquePages(doc.Pages))
	}
	for i := 0; i < doc.Fillers; i++ {
		var buf bytes.Buffer
		if err := api.InsertPages(cur, &buf, []string{"l"}, false, nil, g.conf); err != nil {
			return nil, 0, fmt.Errorf("filler page: %w", err)
		}
		cur = bytes.NewReader(buf.Bytes())
		n++
	}
	if _, err := cur.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	return cur, n, nil
}

// CountPages returns the number of pages of the PDF at path.
func (g *Generator) CountPages(path string) (int, error) {
	data, err := afero.ReadFile(g.Fs, path)
	if err != nil {
		return 0, err
	}
	return api.PageCount(bytes.NewReader(data), g.conf)
}

// Selection renders pages as pdfcpu page selection ranges, e.g. "1-3", "7".
func Selection(pages []int) []string {
	ps := uniquePages(pages)
	var out []string
	for i := 0; i < len(ps); {
		j := i
		for j+1 < len(ps) && ps[j+1] == ps[j]+1 {
			j++
		}
		if i == j {
			out = append(out, strconv.Itoa(ps[i]))
		} else {
			out = append(out, strconv.Itoa(ps[i])+"-"+strconv.Itoa(ps[j]))
		}
		i = j + 1
	}
	return out
}

func uniquePages(pages []int) []int {
	ps := append([]int(nil), pages...)
	sort.Ints(ps)
	out := ps[:0]
	for i, p := range ps {
		if i == 0 || p != ps[i-1] {
			out = append(out, p)
		}
	}
	return out
}
