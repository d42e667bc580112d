package pdfgen

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/spf13/afero"
)

func TestSelection(t *testing.T) {
	cases := []struct {
		in   []int
		want []string
	}{
		{[]int{1, 2, 3}, []string{"1-3"}},
		{[]int{5, 1, 2, 9, 3, 2}, []string{"1-3", "5", "9"}},
		{[]int{4}, []string{"4"}},
		{nil, nil},
	}
	for _, tc := range cases {
		if got := Selection(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Selection(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	g := New(afero.NewMemMapFs())
	if _, err := g.Generate(context.Background(), Request{Output: "/out.pdf"}); err == nil {
		t.Fatal("Generate without documents succeeded")
	}
	_, err := g.Generate(context.Background(), Request{Output: "/out.pdf", Documents: []Document{{Path: "/missing.pdf"}}})
	if err == nil {
		t.Fatal("Generate with a missing document succeeded")
	}
	if ok, _ := afero.Exists(g.Fs, "/out.pdf"); ok {
		t.Fatal("output written on failure")
	}
}

// blankPDF renders a PDF of n empty A4 pages with a valid xref table.
func blankPDF(n int) []byte {
	var b bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] >>")
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

func TestGenerate(t *testing.T) {
	cases := []struct {
		name string
		docs []Document
		want int
	}{
		{"whole document", []Document{{Path: "/a.pdf"}}, 3},
		{"selection", []Document{{Path: "/a.pdf", Pages: []int{3, 1}}}, 2},
		{"filler", []Document{{Path: "/b.pdf", Fillers: 1}}, 3},
		{"merge", []Document{{Path: "/a.pdf", Pages: []int{1, 3}, Fillers: 1}, {Path: "/b.pdf", Pages: []int{2}}}, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if err := afero.WriteFile(fs, "/a.pdf", blankPDF(3), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := afero.WriteFile(fs, "/b.pdf", blankPDF(2), 0o644); err != nil {
				t.Fatal(err)
			}
			g := New(fs)
			n, err := g.Generate(context.Background(), Request{Output: "/out.pdf", Documents: tc.docs})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if n != tc.want {
				t.Fatalf("Generate = %d pages, want %d", n, tc.want)
			}
			got, err := g.CountPages("/out.pdf")
			if err != nil {
				t.Fatalf("CountPages: %v", err)
			}
			if got != tc.want {
				t.Fatalf("output has %d pages, want %d", got, tc.want)
			}
		})
	}
}

func TestGenerateRejectsPageOutOfRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/a.pdf", blankPDF(2), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(fs).Generate(context.Background(), Request{Output: "/out.pdf", Documents: []Document{{Path: "/a.pdf", Pages: []int{5}}}})
	if err == nil {
		t.Fatal("Generate accepted page 5 of a 2-page document")
	}
}
