package ippattr

import "github.com/OpenPrinting/goipp"

// Syntax is the value syntax of an IPP attribute (RFC 8011 section 5.1).
type Syntax int

const (
	SyntaxBoolean Syntax = iota + 1
	SyntaxInteger
	SyntaxEnum
	SyntaxKeyword
	SyntaxURI
	SyntaxURIScheme
	SyntaxText
	SyntaxName
	SyntaxDateTime
	SyntaxResolution
	SyntaxRange
	SyntaxOctetString
	SyntaxCharset
	SyntaxNaturalLanguage
	SyntaxMimeMediaType
	SyntaxCollection
)

var syntaxNames = map[Syntax]string{
	SyntaxBoolean:         "boolean",
	SyntaxInteger:         "integer",
	SyntaxEnum:            "enum",
	SyntaxKeyword:         "keyword",
	SyntaxURI:             "uri",
	SyntaxURIScheme:       "uriScheme",
	SyntaxText:            "text",
	SyntaxName:            "name",
	SyntaxDateTime:        "dateTime",
	SyntaxResolution:      "resolution",
	SyntaxRange:           "rangeOfInteger",
	SyntaxOctetString:     "octetString",
	SyntaxCharset:         "charset",
	SyntaxNaturalLanguage: "naturalLanguage",
	SyntaxMimeMediaType:   "mimeMediaType",
	SyntaxCollection:      "collection",
}

func (s Syntax) String() string {
	if name, ok := syntaxNames[s]; ok {
		return name
	}
	return "unknown"
}

// Tag returns the value tag used when encoding a value of this syntax.
func (s Syntax) Tag() goipp.Tag {
	switch s {
	case SyntaxBoolean:
		return goipp.TagBoolean
	case SyntaxInteger:
		return goipp.TagInteger
	case SyntaxEnum:
		return goipp.TagEnum
	case SyntaxKeyword:
		return goipp.TagKeyword
	case SyntaxURI:
		return goipp.TagURI
	case SyntaxURIScheme:
		return goipp.TagURIScheme
	case SyntaxText:
		return goipp.TagText
	case SyntaxName:
		return goipp.TagName
	case SyntaxDateTime:
		return goipp.TagDateTime
	case SyntaxResolution:
		return goipp.TagResolution
	case SyntaxRange:
		return goipp.TagRange
	case SyntaxOctetString:
		return goipp.TagString
	case SyntaxCharset:
		return goipp.TagCharset
	case SyntaxNaturalLanguage:
		return goipp.TagLanguage
	case SyntaxMimeMediaType:
		return goipp.TagMimeType
	case SyntaxCollection:
		return goipp.TagBeginCollection
	}
	return goipp.TagUnknown
}

// Accepts reports whether a value carrying tag may stand for this syntax.
// Out-of-band tags are accepted for every syntax.
func (s Syntax) Accepts(tag goipp.Tag) bool {
	if IsOutOfBand(tag) {
		return true
	}
	switch s {
	case SyntaxText:
		return tag == goipp.TagText || tag == goipp.TagTextLang
	case SyntaxName:
		return tag == goipp.TagName || tag == goipp.TagNameLang
	case SyntaxKeyword:
		// "type2 keyword | name" attributes such as media and job-sheets.
		return tag == goipp.TagKeyword || tag == goipp.TagName || tag == goipp.TagNameLang
	}
	return tag == s.Tag()
}

// IsOutOfBand reports whether tag is one of the out-of-band value tags.
func IsOutOfBand(tag goipp.Tag) bool {
	switch tag {
	case goipp.TagUnsupportedValue, goipp.TagDefault, goipp.TagUnknown,
		goipp.TagNoValue, goipp.TagNotSettable, goipp.TagDeleteAttr, goipp.TagAdminDefine:
		return true
	}
	return false
}

// Cardinality tells whether an attribute carries one value or a 1setOf.
type Cardinality int

const (
	Single Cardinality = iota
	SetOf
)

func (c Cardinality) String() string {
	if c == SetOf {
		return "1setOf"
	}
	return "single"
}
