// Package ippattr holds the immutable IPP attribute dictionaries: for each
// attribute group, the keywords the server understands together with their
// value syntax, cardinality and the lowest protocol version exposing them.
package ippattr

import (
	"strings"

	"github.com/OpenPrinting/goipp"
)

var (
	// V11 is the IPP/1.1 baseline every attribute is at least gated on.
	V11 = goipp.MakeVersion(1, 1)
	// V20 gates attributes introduced with IPP/2.0 and later.
	V20 = goipp.MakeVersion(2, 0)
)

// Attribute describes a single attribute keyword.
type Attribute struct {
	Keyword     string
	Syntax      Syntax
	Cardinality Cardinality
	// Version is the lowest protocol version that exposes the attribute.
	Version goipp.Version
	// Printer marks job-template derived printer attributes
	// (*-default, *-supported, *-ready).
	Printer bool
}

// Dictionary maps keywords of one attribute group to their descriptors.
// A Dictionary is never modified after package initialisation.
type Dictionary struct {
	name  string
	group goipp.Tag
	attrs map[string]Attribute
	order []string
}

func newDictionary(name string, group goipp.Tag, table []Attribute) *Dictionary {
	d := &Dictionary{
		name:  name,
		group: group,
		attrs: make(map[string]Attribute, len(table)),
		order: make([]string, 0, len(table)),
	}
	for _, a := range table {
		if a.Version == 0 {
			a.Version = V11
		}
		if _, dup := d.attrs[a.Keyword]; dup {
			panic("ippattr: duplicate keyword " + a.Keyword + " in " + name)
		}
		d.attrs[a.Keyword] = a
		d.order = append(d.order, a.Keyword)
	}
	return d
}

// Name returns the group name, e.g. "printer-description".
func (d *Dictionary) Name() string { return d.name }

// Group returns the delimiter tag of the group the dictionary describes.
func (d *Dictionary) Group() goipp.Tag { return d.group }

// Len returns the number of registered keywords.
func (d *Dictionary) Len() int { return len(d.order) }

// Get looks up a keyword.
func (d *Dictionary) Get(keyword string) (Attribute, bool) {
	a, ok := d.attrs[strings.ToLower(keyword)]
	return a, ok
}

// GetWithTag looks up a keyword. The value tag is accepted for symmetry with
// decoders that have one at hand; the keyword alone determines the syntax.
func (d *Dictionary) GetWithTag(keyword string, _ goipp.Tag) (Attribute, bool) {
	return d.Get(keyword)
}

// Keywords returns all keywords in registration order.
func (d *Dictionary) Keywords() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// KeywordsFor returns the keywords visible to a client speaking version v.
func (d *Dictionary) KeywordsFor(v goipp.Version) []string {
	out := make([]string, 0, len(d.order))
	for _, k := range d.order {
		if d.attrs[k].Version <= v {
			out = append(out, k)
		}
	}
	return out
}

// PrinterKeywordsFor returns the job-template derived printer attributes
// visible to version v.
func (d *Dictionary) PrinterKeywordsFor(v goipp.Version) []string {
	out := []string{}
	for _, k := range d.order {
		a := d.attrs[k]
		if a.Printer && a.Version <= v {
			out = append(out, k)
		}
	}
	return out
}

// Visible reports whether keyword is known and visible to version v.
func (d *Dictionary) Visible(keyword string, v goipp.Version) bool {
	a, ok := d.Get(keyword)
	return ok && a.Version <= v
}

var (
	Operation          = newDictionary("operation", goipp.TagOperationGroup, operationTable)
	JobTemplate        = newDictionary("job-template", goipp.TagJobGroup, jobTemplateTable())
	PrinterDescription = newDictionary("printer-description", goipp.TagPrinterGroup, printerDescriptionTable)
	Subscription       = newDictionary("subscription", goipp.TagSubscriptionGroup, subscriptionTable)
)

// ForGroup returns the dictionary validating attributes of the given group.
// Printer groups are checked against both printer-description and the
// job-template derived attributes; callers use Lookup for that.
func ForGroup(tag goipp.Tag) (*Dictionary, bool) {
	switch tag {
	case goipp.TagOperationGroup:
		return Operation, true
	case goipp.TagJobGroup:
		return JobTemplate, true
	case goipp.TagPrinterGroup:
		return PrinterDescription, true
	case goipp.TagSubscriptionGroup:
		return Subscription, true
	}
	return nil, false
}

// LookupPrinter resolves a printer attribute keyword against the
// printer-description dictionary and then the job-template derived entries.
func LookupPrinter(keyword string) (Attribute, bool) {
	if a, ok := PrinterDescription.Get(keyword); ok {
		return a, true
	}
	if a, ok := JobTemplate.Get(keyword); ok && a.Printer {
		return a, true
	}
	return Attribute{}, false
}

// Lookup resolves a keyword in any dictionary.
func Lookup(keyword string) (Attribute, *Dictionary, bool) {
	for _, d := range []*Dictionary{Operation, JobTemplate, PrinterDescription, Subscription} {
		if a, ok := d.Get(keyword); ok {
			return a, d, true
		}
	}
	return Attribute{}, nil, false
}
