package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// testPNG returns an encoded PNG image for use as a one-page document.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for x := 0; x < 32; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestIsPDF(t *testing.T) {
	testCases := []struct {
		filename string
		want     bool
	}{
		{"a.pdf", true},
		{"A.PDF", true},
		{"scan.png", false},
		{"scan.pdf.png", false},
		{"noext", false},
	}
	for _, tc := range testCases {
		if got := IsPDF(tc.filename); got != tc.want {
			t.Errorf("IsPDF(%q) = %v, want %v", tc.filename, got, tc.want)
		}
	}
}

func TestPageCountImage(t *testing.T) {
	n, err := PageCount(testPNG(t), "scan.png")
	if err != nil {
		t.Fatalf("failed to count pages: %v", err)
	}
	if n != 1 {
		t.Errorf("expected single image to count as 1 page, got %d", n)
	}
}

func TestPagesRendersImage(t *testing.T) {
	pages, err := Pages(testPNG(t), 1, 1)
	if err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 rendered page, got %d", len(pages))
	}

	img, err := png.Decode(bytes.NewReader(pages[0]))
	if err != nil {
		t.Fatalf("rendered page is not a valid PNG: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Error("rendered page has zero dimensions")
	}
}

func TestPagesInvalidRange(t *testing.T) {
	data := testPNG(t)

	testCases := []struct {
		name  string
		start int
		end   int
	}{
		{"zero start", 0, 1},
		{"negative start", -1, 1},
		{"end before start", 3, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Pages(data, tc.start, tc.end); err == nil {
				t.Errorf("expected error for range %d-%d", tc.start, tc.end)
			}
		})
	}
}

func TestPagesRangeBeyondDocument(t *testing.T) {
	if _, err := Pages(testPNG(t), 1, 5); err == nil {
		t.Error("expected error for range past the last page")
	}
}

func TestPageCountCorruptPDF(t *testing.T) {
	if _, err := PageCount([]byte("not a pdf at all"), "broken.pdf"); err == nil {
		t.Error("expected error for corrupt PDF")
	}
}
