package server

import (
	"strconv"
	"strings"

	goipp "github.com/OpenPrinting/goipp"

	"ippproxy/internal/ippattr"
)

func attrString(attrs goipp.Attributes, name string) string {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		if len(attr.Values) == 0 || ippattr.IsOutOfBand(attr.Values[0].T) {
			return ""
		}
		return attr.Values[0].V.String()
	}
	return ""
}

func attrStrings(attrs goipp.Attributes, name string) []string {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		out := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			if ippattr.IsOutOfBand(v.T) {
				continue
			}
			out = append(out, v.V.String())
		}
		return out
	}
	return nil
}

func attrIntPresent(attrs goipp.Attributes, name string) (int64, bool) {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		if len(attr.Values) == 0 {
			return 0, true
		}
		if v, ok := attr.Values[0].V.(goipp.Integer); ok {
			return int64(v), true
		}
		if v, err := strconv.ParseInt(attr.Values[0].V.String(), 10, 64); err == nil {
			return v, true
		}
		return 0, true
	}
	return 0, false
}

func attrInt(attrs goipp.Attributes, name string) int64 {
	v, _ := attrIntPresent(attrs, name)
	return v
}

func attrInts(attrs goipp.Attributes, name string) []int64 {
	for _, attr := range attrs {
		if attr.Name != name {
			continue
		}
		out := make([]int64, 0, len(attr.Values))
		for _, v := range attr.Values {
			if n, ok := v.V.(goipp.Integer); ok {
				out = append(out, int64(n))
			}
		}
		return out
	}
	return nil
}

func attrBool(attrs goipp.Attributes, name string) bool {
	for _, attr := range attrs {
		if attr.Name != name || len(attr.Values) == 0 {
			continue
		}
		switch v := attr.Values[0].V.(type) {
		case goipp.Boolean:
			return bool(v)
		case goipp.Integer:
			return v != 0
		default:
			s := strings.ToLower(strings.TrimSpace(v.String()))
			return s == "true" || s == "1" || s == "yes"
		}
	}
	return false
}

func findAttr(attrs goipp.Attributes, name string) (goipp.Attribute, bool) {
	for _, attr := range attrs {
		if attr.Name == name {
			return attr, true
		}
	}
	return goipp.Attribute{}, false
}

func strAttr(name string, tag goipp.Tag, values ...string) goipp.Attribute {
	attr := goipp.Attribute{Name: name}
	for _, v := range values {
		attr.Values.Add(tag, goipp.String(v))
	}
	return attr
}

func intAttr(name string, tag goipp.Tag, values ...int) goipp.Attribute {
	attr := goipp.Attribute{Name: name}
	for _, v := range values {
		attr.Values.Add(tag, goipp.Integer(v))
	}
	return attr
}

func clampLimit(v int64, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > int64(max) {
		return max
	}
	return int(v)
}
