package printercache

import (
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"ippproxy/internal/ippattr"
)

// Option is one job option a printer offers.
type Option struct {
	Keyword string
	Default string
	Choices []string
}

type OptionGroup struct {
	Name    string
	Options []Option
}

// Printer is the proxy's view of a CUPS printer.
type Printer struct {
	Name          string
	DisplayName   string
	URI           string
	MakeModel     string
	Location      string
	State         int
	AcceptingJobs bool
	ColorCapable  bool
	DuplexCapable bool
	Groups        []OptionGroup
	// MediaSources maps a loaded media-source to the media size in it.
	MediaSources map[string]string
}

// Option returns the option with keyword from any group.
func (p *Printer) Option(keyword string) (Option, bool) {
	for _, g := range p.Groups {
		for _, o := range g.Options {
			if o.Keyword == keyword {
				return o, true
			}
		}
	}
	return Option{}, false
}

// Default returns the default choice of keyword, or "".
func (p *Printer) Default(keyword string) string {
	o, _ := p.Option(keyword)
	return o.Default
}

// Supports reports whether choice is offered for keyword.
func (p *Printer) Supports(keyword, choice string) bool {
	o, ok := p.Option(keyword)
	if !ok {
		return false
	}
	for _, c := range o.Choices {
		if c == choice {
			return true
		}
	}
	return false
}

func (p *Printer) clone() *Printer {
	cp := *p
	cp.Groups = make([]OptionGroup, len(p.Groups))
	for i, g := range p.Groups {
		cp.Groups[i] = OptionGroup{Name: g.Name, Options: make([]Option, len(g.Options))}
		for j, o := range g.Options {
			o.Choices = append([]string(nil), o.Choices...)
			cp.Groups[i].Options[j] = o
		}
	}
	cp.MediaSources = make(map[string]string, len(p.MediaSources))
	for k, v := range p.MediaSources {
		cp.MediaSources[k] = v
	}
	return &cp
}

// optionLayout orders the job options into groups the way clients show them.
var optionLayout = []struct {
	group    string
	keywords []string
}{
	{"page-setup", []string{"media", "media-source", "media-type", "sides", "orientation-requested", "print-scaling"}},
	{"job", []string{"copies", "number-up", "print-color-mode", "page-ranges", "finishings", "output-bin"}},
	{"advanced", []string{"print-quality", "printer-resolution", "job-sheets"}},
}

func canonicalName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func fromAttrs(attrs goipp.Attributes) *Printer {
	byName := make(map[string]goipp.Attribute, len(attrs))
	for _, a := range attrs {
		byName[a.Name] = a
	}
	first := func(name string) string {
		if a, ok := byName[name]; ok && len(a.Values) > 0 {
			return a.Values[0].V.String()
		}
		return ""
	}
	all := func(name string) []string {
		a, ok := byName[name]
		if !ok {
			return nil
		}
		out := make([]string, 0, len(a.Values))
		for _, v := range a.Values {
			if ippattr.IsOutOfBand(v.T) {
				continue
			}
			out = append(out, v.V.String())
		}
		return out
	}

	p := &Printer{
		Name:          first("printer-name"),
		DisplayName:   first("printer-info"),
		URI:           first("printer-uri-supported"),
		MakeModel:     first("printer-make-and-model"),
		Location:      first("printer-location"),
		AcceptingJobs: first("printer-is-accepting-jobs") != "false",
		MediaSources:  map[string]string{},
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	if a, ok := byName["printer-state"]; ok && len(a.Values) > 0 {
		if v, ok := a.Values[0].V.(goipp.Integer); ok {
			p.State = int(v)
		}
	}
	for _, mode := range all("print-color-mode-supported") {
		if mode == "color" {
			p.ColorCapable = true
		}
	}
	if first("color-supported") == "true" {
		p.ColorCapable = true
	}
	for _, s := range all("sides-supported") {
		if strings.HasPrefix(s, "two-sided") {
			p.DuplexCapable = true
		}
	}

	for _, layout := range optionLayout {
		g := OptionGroup{Name: layout.group}
		for _, kw := range layout.keywords {
			choices := all(kw + "-supported")
			if len(choices) == 0 {
				continue
			}
			g.Options = append(g.Options, Option{Keyword: kw, Default: first(kw + "-default"), Choices: choices})
		}
		if len(g.Options) > 0 {
			p.Groups = append(p.Groups, g)
		}
	}

	if a, ok := byName["media-col-ready"]; ok {
		for _, v := range a.Values {
			col, ok := v.V.(goipp.Collection)
			if !ok {
				continue
			}
			src, media := "", ""
			for _, m := range col {
				if len(m.Values) == 0 {
					continue
				}
				switch m.Name {
				case "media-source":
					src = m.Values[0].V.String()
				case "media-size-name", "media-key":
					if media == "" {
						media = m.Values[0].V.String()
					}
				}
			}
			if src != "" && media != "" {
				p.MediaSources[src] = media
			}
		}
	}
	return p
}

// mergeCommon adds the options of common that p does not offer itself.
func mergeCommon(p *Printer, common []OptionGroup) {
	for _, cg := range common {
		idx := -1
		for i := range p.Groups {
			if p.Groups[i].Name == cg.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			p.Groups = append(p.Groups, OptionGroup{Name: cg.Name})
			idx = len(p.Groups) - 1
		}
		for _, o := range cg.Options {
			if _, ok := p.Option(o.Keyword); ok {
				continue
			}
			o.Choices = append([]string(nil), o.Choices...)
			p.Groups[idx].Options = append(p.Groups[idx].Options, o)
		}
	}
}
