// Package ippcodec reads and writes IPP messages on top of goipp, adding the
// validation a server needs before it acts on a request: strict value tags,
// dictionary checks against the ippattr tables and charset transcoding of
// text and name values.
package ippcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/OpenPrinting/goipp"

	"ippproxy/internal/ippattr"
)

// ErrSyntaxMismatch is returned by Encode when a value of a registered
// attribute carries a tag the attribute's syntax does not accept.
var ErrSyntaxMismatch = errors.New("ipp: value does not match attribute syntax")

// SyntaxError reports a malformed request. Version and RequestID are taken
// from the message header when at least the header could be read, so the
// caller can still answer with client-error-bad-request.
type SyntaxError struct {
	Version   goipp.Version
	RequestID uint32
	HeaderOK  bool
	Err       error
}

func (e *SyntaxError) Error() string {
	return "ipp: malformed message: " + e.Err.Error()
}

func (e *SyntaxError) Unwrap() error { return e.Err }

type headerReader struct {
	r   io.Reader
	hdr [8]byte
	n   int
}

func (h *headerReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if h.n < len(h.hdr) && n > 0 {
		h.n += copy(h.hdr[h.n:], p[:n])
	}
	return n, err
}

func (h *headerReader) syntaxError(err error) *SyntaxError {
	se := &SyntaxError{Err: err}
	if h.n == len(h.hdr) {
		se.HeaderOK = true
		se.Version = goipp.Version(binary.BigEndian.Uint16(h.hdr[0:2]))
		se.RequestID = binary.BigEndian.Uint32(h.hdr[4:8])
	}
	return se
}

// Decode reads one IPP message from r. Reading stops right after the
// end-of-attributes tag, so whatever remains in r is the document data.
// Text and name values are converted to UTF-8 according to the request's
// attributes-charset.
func Decode(r io.Reader) (*goipp.Message, error) {
	hr := &headerReader{r: r}
	msg := &goipp.Message{}
	if err := msg.Decode(hr); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, hr.syntaxError(err)
	}
	if err := validateTags(msg.Groups); err != nil {
		return nil, hr.syntaxError(err)
	}
	charset := requestCharset(msg)
	if charset != "" && charset != "utf-8" && SupportedCharset(charset) {
		msg.Groups = transcodeGroups(msg.Groups, func(s string) string {
			out, err := DecodeText(charset, s)
			if err != nil {
				return s
			}
			return out
		})
		syncGroupFields(msg)
	}
	return msg, nil
}

// DecodeBytes decodes a message held in memory and returns the bytes that
// follow the attributes.
func DecodeBytes(data []byte) (*goipp.Message, []byte, error) {
	rd := bytes.NewReader(data)
	msg, err := Decode(rd)
	if err != nil {
		return nil, nil, err
	}
	return msg, data[len(data)-rd.Len():], nil
}

func requestCharset(msg *goipp.Message) string {
	for _, attr := range msg.Operation {
		if attr.Name == "attributes-charset" && len(attr.Values) > 0 {
			return strings.ToLower(attr.Values[0].V.String())
		}
	}
	return ""
}

// syncGroupFields rebuilds the per-group fields of msg from msg.Groups.
func syncGroupFields(msg *goipp.Message) {
	msg.Operation, msg.Job, msg.Printer, msg.Unsupported = nil, nil, nil, nil
	msg.Subscription, msg.EventNotification = nil, nil
	for _, g := range msg.Groups {
		switch g.Tag {
		case goipp.TagOperationGroup:
			msg.Operation = append(msg.Operation, g.Attrs...)
		case goipp.TagJobGroup:
			msg.Job = append(msg.Job, g.Attrs...)
		case goipp.TagPrinterGroup:
			msg.Printer = append(msg.Printer, g.Attrs...)
		case goipp.TagUnsupportedGroup:
			msg.Unsupported = append(msg.Unsupported, g.Attrs...)
		case goipp.TagSubscriptionGroup:
			msg.Subscription = append(msg.Subscription, g.Attrs...)
		case goipp.TagEventNotificationGroup:
			msg.EventNotification = append(msg.EventNotification, g.Attrs...)
		}
	}
}

func validateTags(groups goipp.Groups) error {
	for _, g := range groups {
		if err := validateAttrTags(g.Attrs); err != nil {
			return err
		}
	}
	return nil
}

func validateAttrTags(attrs goipp.Attributes) error {
	for _, attr := range attrs {
		for _, v := range attr.Values {
			if !knownValueTag(v.T) {
				return fmt.Errorf("attribute %q: unknown value tag 0x%02x", attr.Name, int(v.T))
			}
			if col, ok := v.V.(goipp.Collection); ok {
				if err := validateAttrTags(goipp.Attributes(col)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func knownValueTag(tag goipp.Tag) bool {
	if ippattr.IsOutOfBand(tag) {
		return true
	}
	switch tag {
	case goipp.TagInteger, goipp.TagBoolean, goipp.TagEnum,
		goipp.TagString, goipp.TagDateTime, goipp.TagResolution, goipp.TagRange,
		goipp.TagBeginCollection, goipp.TagTextLang, goipp.TagNameLang,
		goipp.TagText, goipp.TagName, goipp.TagKeyword, goipp.TagURI, goipp.TagURIScheme,
		goipp.TagCharset, goipp.TagLanguage, goipp.TagMimeType:
		return true
	}
	return false
}

// Check validates the request groups against the attribute dictionaries
// and returns what belongs in the unsupported-attributes group: unknown
// keywords (with the unsupported out-of-band value) and attributes whose
// values do not fit the registered syntax or cardinality (as received).
func Check(groups goipp.Groups) goipp.Attributes {
	var out goipp.Attributes
	for _, g := range groups {
		dict, ok := ippattr.ForGroup(g.Tag)
		if !ok || g.Tag == goipp.TagPrinterGroup {
			continue
		}
		for _, attr := range g.Attrs {
			desc, known := dict.Get(attr.Name)
			if !known || (g.Tag == goipp.TagJobGroup && desc.Printer) {
				out.Add(goipp.MakeAttribute(attr.Name, goipp.TagUnsupportedValue, goipp.Void{}))
				continue
			}
			if !fits(desc, attr) {
				out.Add(attr)
			}
		}
	}
	return out
}

func fits(desc ippattr.Attribute, attr goipp.Attribute) bool {
	if len(attr.Values) == 0 {
		return false
	}
	if desc.Cardinality == ippattr.Single && len(attr.Values) > 1 {
		return false
	}
	for _, v := range attr.Values {
		if !desc.Syntax.Accepts(v.T) {
			return false
		}
	}
	return true
}

// Response is an outgoing IPP response.
type Response struct {
	Version   goipp.Version
	Status    goipp.Status
	RequestID uint32
	Groups    goipp.Groups
	// Charset selects the encoding of text and name values. Empty means utf-8.
	Charset string
}

// EncodeBytes serializes resp.
func EncodeBytes(resp *Response) ([]byte, error) {
	if err := checkSyntax(resp.Groups); err != nil {
		return nil, err
	}
	groups := resp.Groups
	cs := strings.ToLower(resp.Charset)
	if cs != "" && cs != "utf-8" {
		groups = transcodeGroups(groups, func(s string) string {
			return encodeLenient(cs, s)
		})
	}
	msg := goipp.NewMessageWithGroups(resp.Version, goipp.Code(resp.Status), resp.RequestID, groups)
	return msg.EncodeBytes()
}

// Encode writes resp to w.
func Encode(w io.Writer, resp *Response) error {
	data, err := EncodeBytes(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func checkSyntax(groups goipp.Groups) error {
	for _, g := range groups {
		for _, attr := range g.Attrs {
			desc, ok := lookupForGroup(g.Tag, attr.Name)
			if !ok {
				continue
			}
			for _, v := range attr.Values {
				if !desc.Syntax.Accepts(v.T) {
					return fmt.Errorf("%w: %s is %s, got %s", ErrSyntaxMismatch, attr.Name, desc.Syntax, v.T)
				}
			}
		}
	}
	return nil
}

func lookupForGroup(tag goipp.Tag, name string) (ippattr.Attribute, bool) {
	switch tag {
	case goipp.TagOperationGroup:
		return ippattr.Operation.Get(name)
	case goipp.TagPrinterGroup:
		return ippattr.LookupPrinter(name)
	case goipp.TagJobGroup:
		if a, ok := ippattr.JobTemplate.Get(name); ok && !a.Printer {
			return a, true
		}
	case goipp.TagSubscriptionGroup, goipp.TagEventNotificationGroup:
		return ippattr.Subscription.Get(name)
	}
	return ippattr.Attribute{}, false
}

func transcodeGroups(groups goipp.Groups, conv func(string) string) goipp.Groups {
	out := make(goipp.Groups, 0, len(groups))
	for _, g := range groups {
		out = append(out, goipp.Group{Tag: g.Tag, Attrs: transcodeAttrs(g.Attrs, conv)})
	}
	return out
}

func transcodeAttrs(attrs goipp.Attributes, conv func(string) string) goipp.Attributes {
	out := make(goipp.Attributes, 0, len(attrs))
	for _, attr := range attrs {
		na := goipp.Attribute{Name: attr.Name}
		for _, v := range attr.Values {
			switch val := v.V.(type) {
			case goipp.String:
				if v.T == goipp.TagText || v.T == goipp.TagName {
					na.Values.Add(v.T, goipp.String(conv(string(val))))
					continue
				}
			case goipp.TextWithLang:
				na.Values.Add(v.T, goipp.TextWithLang{Lang: val.Lang, Text: conv(val.Text)})
				continue
			case goipp.Collection:
				na.Values.Add(v.T, goipp.Collection(transcodeAttrs(goipp.Attributes(val), conv)))
				continue
			}
			na.Values.Add(v.T, v.V)
		}
		out = append(out, na)
	}
	return out
}
