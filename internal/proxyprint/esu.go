package proxyprint

import (
	"math"
	"strconv"
	"strings"
)

const (
	a4Width      = 210.0
	a4Height     = 297.0
	letterWidth  = 215.9
	letterHeight = 279.4
)

// CalcESU returns Environmental Sheet Units for sheets of the given size in
// millimetres. One ESU is 1/100 of an A4 sheet; Letter counts as A4.
func CalcESU(sheets int, width, height float64) int64 {
	if sheets <= 0 {
		return 0
	}
	if sameSize(width, height, a4Width, a4Height) || sameSize(width, height, letterWidth, letterHeight) {
		return int64(sheets) * 100
	}
	perSheet := math.Round(width * height / (a4Width * a4Height) * 100)
	return int64(sheets) * int64(perSheet)
}

func sameSize(w, h, refW, refH float64) bool {
	const tol = 1.0
	near := func(a, b float64) bool { return math.Abs(a-b) <= tol }
	return (near(w, refW) && near(h, refH)) || (near(w, refH) && near(h, refW))
}

var legacyMedia = map[string][2]float64{
	"a3":     {297, 420},
	"a4":     {a4Width, a4Height},
	"a5":     {148, 210},
	"letter": {letterWidth, letterHeight},
	"legal":  {215.9, 355.6},
}

// MediaDimensions parses a PWG self-describing media name such as
// "iso_a4_210x297mm" or "na_letter_8.5x11in" into millimetres.
func MediaDimensions(name string) (float64, float64, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if d, ok := legacyMedia[name]; ok {
		return d[0], d[1], true
	}
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return 0, 0, false
	}
	dims := name[i+1:]
	scale := 1.0
	switch {
	case strings.HasSuffix(dims, "mm"):
		dims = strings.TrimSuffix(dims, "mm")
	case strings.HasSuffix(dims, "in"):
		dims = strings.TrimSuffix(dims, "in")
		scale = 25.4
	default:
		return 0, 0, false
	}
	w, h, ok := strings.Cut(dims, "x")
	if !ok {
		return 0, 0, false
	}
	wf, err1 := strconv.ParseFloat(w, 64)
	hf, err2 := strconv.ParseFloat(h, 64)
	if err1 != nil || err2 != nil || wf <= 0 || hf <= 0 {
		return 0, 0, false
	}
	return wf * scale, hf * scale, true
}

// ESUForMedia is CalcESU for a media name; unknown sizes count as A4.
func ESUForMedia(sheets int, media string) int64 {
	w, h, ok := MediaDimensions(media)
	if !ok {
		w, h = a4Width, a4Height
	}
	return CalcESU(sheets, w, h)
}
