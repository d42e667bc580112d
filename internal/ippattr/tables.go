package ippattr

import "github.com/OpenPrinting/goipp"

func a(keyword string, s Syntax, c Cardinality) Attribute {
	return Attribute{Keyword: keyword, Syntax: s, Cardinality: c, Version: V11}
}

func a2(keyword string, s Syntax, c Cardinality) Attribute {
	return Attribute{Keyword: keyword, Syntax: s, Cardinality: c, Version: V20}
}

var operationTable = []Attribute{
	a("attributes-charset", SyntaxCharset, Single),
	a("attributes-natural-language", SyntaxNaturalLanguage, Single),
	a("printer-uri", SyntaxURI, Single),
	a("job-uri", SyntaxURI, Single),
	a("job-id", SyntaxInteger, Single),
	a("requesting-user-name", SyntaxName, Single),
	a("job-name", SyntaxName, Single),
	a("ipp-attribute-fidelity", SyntaxBoolean, Single),
	a("document-name", SyntaxName, Single),
	a("document-format", SyntaxMimeMediaType, Single),
	a("document-natural-language", SyntaxNaturalLanguage, Single),
	a("compression", SyntaxKeyword, Single),
	a("job-k-octets", SyntaxInteger, Single),
	a("job-impressions", SyntaxInteger, Single),
	a("job-media-sheets", SyntaxInteger, Single),
	a("last-document", SyntaxBoolean, Single),
	a("requested-attributes", SyntaxKeyword, SetOf),
	a("which-jobs", SyntaxKeyword, Single),
	a("limit", SyntaxInteger, Single),
	a("my-jobs", SyntaxBoolean, Single),
	a("first-index", SyntaxInteger, Single),
	a("status-message", SyntaxText, Single),
	a("detailed-status-message", SyntaxText, Single),
	a("notify-subscription-id", SyntaxInteger, Single),
	a("notify-subscription-ids", SyntaxInteger, SetOf),
	a("notify-sequence-numbers", SyntaxInteger, SetOf),
	a("notify-lease-duration", SyntaxInteger, Single),
	a("notify-job-id", SyntaxInteger, Single),
	a("notify-wait", SyntaxBoolean, Single),
	a("notify-get-interval", SyntaxInteger, Single),
	a("my-subscriptions", SyntaxBoolean, Single),
	a2("requesting-user-uri", SyntaxURI, Single),
	a2("job-password", SyntaxOctetString, Single),
	a2("job-password-encryption", SyntaxKeyword, Single),
	a2("document-format-accepted", SyntaxMimeMediaType, SetOf),
	a2("first-job-id", SyntaxInteger, Single),
	a2("job-ids", SyntaxInteger, SetOf),
	a2("printer-geo-location", SyntaxURI, Single),
	a2("job-mandatory-attributes", SyntaxKeyword, SetOf),
}

type template struct {
	keyword     string
	syntax      Syntax
	cardinality Cardinality
	supported   Syntax
	supCard     Cardinality
	noDefault   bool
	ready       bool
	version     goipp.Version
}

var jobTemplates = []template{
	{keyword: "copies", syntax: SyntaxInteger, supported: SyntaxRange},
	{keyword: "finishings", syntax: SyntaxEnum, cardinality: SetOf, supported: SyntaxEnum, supCard: SetOf, ready: true},
	{keyword: "job-hold-until", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf},
	{keyword: "job-priority", syntax: SyntaxInteger, supported: SyntaxInteger},
	{keyword: "job-sheets", syntax: SyntaxKeyword, cardinality: SetOf, supported: SyntaxKeyword, supCard: SetOf},
	{keyword: "media", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, ready: true},
	{keyword: "multiple-document-handling", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf},
	{keyword: "number-up", syntax: SyntaxInteger, supported: SyntaxInteger, supCard: SetOf},
	{keyword: "orientation-requested", syntax: SyntaxEnum, supported: SyntaxEnum, supCard: SetOf},
	{keyword: "page-ranges", syntax: SyntaxRange, cardinality: SetOf, supported: SyntaxBoolean, noDefault: true},
	{keyword: "print-quality", syntax: SyntaxEnum, supported: SyntaxEnum, supCard: SetOf},
	{keyword: "printer-resolution", syntax: SyntaxResolution, supported: SyntaxResolution, supCard: SetOf},
	{keyword: "sides", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf},
	{keyword: "media-col", syntax: SyntaxCollection, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "media-source", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "media-type", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "output-bin", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "print-color-mode", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "print-content-optimize", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
	{keyword: "print-scaling", syntax: SyntaxKeyword, supported: SyntaxKeyword, supCard: SetOf, version: V20},
}

func jobTemplateTable() []Attribute {
	out := []Attribute{}
	for _, t := range jobTemplates {
		v := t.version
		if v == 0 {
			v = V11
		}
		out = append(out, Attribute{Keyword: t.keyword, Syntax: t.syntax, Cardinality: t.cardinality, Version: v})
		if !t.noDefault {
			out = append(out, Attribute{Keyword: t.keyword + "-default", Syntax: t.syntax, Cardinality: t.cardinality, Version: v, Printer: true})
		}
		out = append(out, Attribute{Keyword: t.keyword + "-supported", Syntax: t.supported, Cardinality: t.supCard, Version: v, Printer: true})
		if t.ready {
			out = append(out, Attribute{Keyword: t.keyword + "-ready", Syntax: t.supported, Cardinality: SetOf, Version: v, Printer: true})
		}
	}
	out = append(out,
		Attribute{Keyword: "media-col-ready", Syntax: SyntaxCollection, Cardinality: SetOf, Version: V20, Printer: true},
		Attribute{Keyword: "media-col-database", Syntax: SyntaxCollection, Cardinality: SetOf, Version: V20, Printer: true},
		Attribute{Keyword: "media-size-supported", Syntax: SyntaxCollection, Cardinality: SetOf, Version: V20, Printer: true},
	)
	return out
}

var printerDescriptionTable = []Attribute{
	a("charset-configured", SyntaxCharset, Single),
	a("charset-supported", SyntaxCharset, SetOf),
	a("color-supported", SyntaxBoolean, Single),
	a("compression-supported", SyntaxKeyword, SetOf),
	a("document-format-default", SyntaxMimeMediaType, Single),
	a("document-format-supported", SyntaxMimeMediaType, SetOf),
	a("generated-natural-language-supported", SyntaxNaturalLanguage, SetOf),
	a("ipp-versions-supported", SyntaxKeyword, SetOf),
	a("job-k-octets-supported", SyntaxRange, Single),
	a("multiple-document-jobs-supported", SyntaxBoolean, Single),
	a("multiple-operation-time-out", SyntaxInteger, Single),
	a("natural-language-configured", SyntaxNaturalLanguage, Single),
	a("operations-supported", SyntaxEnum, SetOf),
	a("pages-per-minute", SyntaxInteger, Single),
	a("pages-per-minute-color", SyntaxInteger, Single),
	a("pdl-override-supported", SyntaxKeyword, Single),
	a("printer-current-time", SyntaxDateTime, Single),
	a("printer-info", SyntaxText, Single),
	a("printer-is-accepting-jobs", SyntaxBoolean, Single),
	a("printer-location", SyntaxText, Single),
	a("printer-make-and-model", SyntaxText, Single),
	a("printer-more-info", SyntaxURI, Single),
	a("printer-name", SyntaxName, Single),
	a("printer-state", SyntaxEnum, Single),
	a("printer-state-message", SyntaxText, Single),
	a("printer-state-reasons", SyntaxKeyword, SetOf),
	a("printer-up-time", SyntaxInteger, Single),
	a("printer-uri-supported", SyntaxURI, SetOf),
	a("queued-job-count", SyntaxInteger, Single),
	a("uri-authentication-supported", SyntaxKeyword, SetOf),
	a("uri-security-supported", SyntaxKeyword, SetOf),
	a("notify-events-default", SyntaxKeyword, SetOf),
	a("notify-events-supported", SyntaxKeyword, SetOf),
	a("notify-lease-duration-default", SyntaxInteger, Single),
	a("notify-lease-duration-supported", SyntaxRange, SetOf),
	a("notify-max-events-supported", SyntaxInteger, Single),
	a("notify-pull-method-supported", SyntaxKeyword, SetOf),
	a("notify-schemes-supported", SyntaxURIScheme, SetOf),
	a("ippget-event-life", SyntaxInteger, Single),
	// Apple raster support is advertised to every client.
	a("urf-supported", SyntaxKeyword, SetOf),
	a2("printer-uuid", SyntaxURI, Single),
	a2("printer-device-id", SyntaxText, Single),
	a2("printer-geo-location", SyntaxURI, Single),
	a2("printer-organization", SyntaxText, SetOf),
	a2("printer-organizational-unit", SyntaxText, SetOf),
	a2("printer-config-change-time", SyntaxInteger, Single),
	a2("printer-state-change-time", SyntaxInteger, Single),
	a2("printer-more-info-manufacturer", SyntaxURI, Single),
	a2("printer-kind", SyntaxKeyword, SetOf),
	a2("ipp-features-supported", SyntaxKeyword, SetOf),
	a2("document-format-preferred", SyntaxMimeMediaType, Single),
	a2("job-creation-attributes-supported", SyntaxKeyword, SetOf),
	a2("job-ids-supported", SyntaxBoolean, Single),
	a2("which-jobs-supported", SyntaxKeyword, SetOf),
	a2("identify-actions-supported", SyntaxKeyword, SetOf),
	a2("pwg-raster-document-resolution-supported", SyntaxResolution, SetOf),
	a2("pwg-raster-document-sheet-back", SyntaxKeyword, Single),
	a2("pwg-raster-document-type-supported", SyntaxKeyword, SetOf),
	a2("mopria-certified", SyntaxText, Single),
}

var subscriptionTable = []Attribute{
	a("notify-events", SyntaxKeyword, SetOf),
	a("notify-lease-duration", SyntaxInteger, Single),
	a("notify-recipient-uri", SyntaxURI, Single),
	a("notify-pull-method", SyntaxKeyword, Single),
	a("notify-time-interval", SyntaxInteger, Single),
	a("notify-user-data", SyntaxOctetString, Single),
	a("notify-charset", SyntaxCharset, Single),
	a("notify-natural-language", SyntaxNaturalLanguage, Single),
	a("notify-job-id", SyntaxInteger, Single),
	a("notify-subscription-id", SyntaxInteger, Single),
	a("notify-subscriber-user-name", SyntaxName, Single),
	a("notify-printer-uri", SyntaxURI, Single),
	a("notify-lease-expiration-time", SyntaxInteger, Single),
	a("notify-sequence-number", SyntaxInteger, Single),
	a("notify-status-code", SyntaxEnum, Single),
}
