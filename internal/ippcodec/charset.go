package ippcodec

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// ErrUnrepresentable is returned when text cannot be expressed in the
// requested charset.
var ErrUnrepresentable = errors.New("ipp: text not representable in charset")

// Charsets lists the values advertised in charset-supported.
var Charsets = []string{"utf-8", "us-ascii", "iso-8859-1", "windows-1252"}

// SupportedCharset reports whether cs is one of Charsets.
func SupportedCharset(cs string) bool {
	cs = strings.ToLower(strings.TrimSpace(cs))
	for _, c := range Charsets {
		if c == cs {
			return true
		}
	}
	return false
}

func charmapFor(cs string) *charmap.Charmap {
	switch cs {
	case "iso-8859-1":
		return charmap.ISO8859_1
	case "windows-1252":
		return charmap.Windows1252
	}
	return nil
}

// EncodeText converts UTF-8 text s into the byte form of charset.
func EncodeText(charset, s string) (string, error) {
	cs := strings.ToLower(charset)
	switch cs {
	case "", "utf-8":
		return s, nil
	case "us-ascii":
		for i := 0; i < len(s); i++ {
			if s[i] >= utf8.RuneSelf {
				return "", fmt.Errorf("%w: %q in us-ascii", ErrUnrepresentable, s)
			}
		}
		return s, nil
	}
	cm := charmapFor(cs)
	if cm == nil {
		return "", fmt.Errorf("ipp: unsupported charset %q", charset)
	}
	out, err := cm.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q in %s", ErrUnrepresentable, s, cs)
	}
	return out, nil
}

// DecodeText converts text received in charset into UTF-8.
func DecodeText(charset, s string) (string, error) {
	cs := strings.ToLower(charset)
	switch cs {
	case "", "utf-8":
		if !utf8.ValidString(s) {
			return "", fmt.Errorf("ipp: invalid utf-8 text %q", s)
		}
		return s, nil
	case "us-ascii":
		for i := 0; i < len(s); i++ {
			if s[i] >= utf8.RuneSelf {
				return "", fmt.Errorf("ipp: byte 0x%02x outside us-ascii", s[i])
			}
		}
		return s, nil
	}
	cm := charmapFor(cs)
	if cm == nil {
		return "", fmt.Errorf("ipp: unsupported charset %q", charset)
	}
	return cm.NewDecoder().String(s)
}

func encodeLenient(cs, s string) string {
	if cs == "us-ascii" {
		var b strings.Builder
		for _, r := range s {
			if r >= utf8.RuneSelf {
				r = '?'
			}
			b.WriteRune(r)
		}
		return b.String()
	}
	cm := charmapFor(cs)
	if cm == nil {
		return s
	}
	out, err := encoding.ReplaceUnsupported(cm.NewEncoder()).String(s)
	if err != nil {
		return s
	}
	return out
}
