// Package render turns source documents into page images. PDFs are counted
// cheaply with pdfcpu and rasterized with MuPDF via go-fitz; single images
// pass through the same path as one-page documents.
package render

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// DPI is the rasterization resolution. 150 trades memory for quality:
// high enough for OCR, low enough that a batch of pages fits a small
// worker instance.
const DPI = 150

// renderWorkers bounds concurrent rasterization. Each worker opens its own
// MuPDF document, so rendering really does proceed in parallel.
const renderWorkers = 2

// IsPDF reports whether the filename names a PDF document.
func IsPDF(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// PageCount returns the number of pages in the document without
// rasterizing anything. Non-PDF inputs are single images and count as one
// page.
// Example:
//
//	n, err := render.PageCount(data, "scan.pdf")
func PageCount(data []byte, filename string) (int, error) {
	if !IsPDF(filename) {
		return 1, nil
	}
	n, err := pdfapi.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", filename, err)
	}
	return n, nil
}

// Pages rasterizes the 1-indexed inclusive range [startPage, endPage] to
// PNG bytes, in page order. The range must lie within the document.
func Pages(data []byte, startPage, endPage int) ([][]byte, error) {
	if startPage < 1 || endPage < startPage {
		return nil, fmt.Errorf("invalid page range %d-%d", startPage, endPage)
	}

	count := endPage - startPage + 1
	out := make([][]byte, count)
	errs := make([]error, renderWorkers)

	// MuPDF contexts serialize internally, so each worker opens its own
	// document over the same bytes and takes every renderWorkers-th page.
	var wg sync.WaitGroup
	for w := 0; w < renderWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			doc, err := fitz.NewFromMemory(data)
			if err != nil {
				errs[w] = fmt.Errorf("failed to open document: %w", err)
				return
			}
			defer func() { _ = doc.Close() }()

			if endPage > doc.NumPage() {
				errs[w] = fmt.Errorf("page range %d-%d exceeds document (%d pages)", startPage, endPage, doc.NumPage())
				return
			}

			for i := w; i < count; i += renderWorkers {
				pngBytes, err := renderPage(doc, startPage+i)
				if err != nil {
					errs[w] = err
					return
				}
				out[i] = pngBytes
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// renderPage rasterizes one 1-indexed page to PNG bytes.
func renderPage(doc *fitz.Document, page int) ([]byte, error) {
	img, err := doc.ImageDPI(page-1, DPI)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page %d: %w", page, err)
	}
	return buf.Bytes(), nil
}
