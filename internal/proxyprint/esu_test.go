package proxyprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalcESU(t *testing.T) {
	assert.Equal(t, int64(300), CalcESU(3, 210, 297))
	assert.Equal(t, int64(100), CalcESU(1, 297, 210), "landscape A4")
	assert.Equal(t, int64(200), CalcESU(2, 215.9, 279.4), "letter counts as A4")
	assert.Equal(t, int64(200), CalcESU(1, 297, 420), "A3 is twice A4")
	assert.Equal(t, int64(50), CalcESU(1, 148, 210), "A5 is half of A4")
	assert.Equal(t, int64(0), CalcESU(0, 210, 297))
}

func TestMediaDimensions(t *testing.T) {
	cases := []struct {
		name string
		w, h float64
		ok   bool
	}{
		{"iso_a4_210x297mm", 210, 297, true},
		{"na_letter_8.5x11in", 215.9, 279.4, true},
		{"A5", 148, 210, true},
		{"auto", 0, 0, false},
		{"custom_foo_10xbarmm", 0, 0, false},
	}
	for _, tc := range cases {
		w, h, ok := MediaDimensions(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.InDelta(t, tc.w, w, 0.01, tc.name)
		assert.InDelta(t, tc.h, h, 0.01, tc.name)
	}
	assert.Equal(t, int64(100), ESUForMedia(1, "auto"))
}
