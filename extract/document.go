package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DocumentStrategy extracts text from structured document formats
// (PDF and DOCX).
type DocumentStrategy struct{}

// NewDocumentStrategy creates a document extraction strategy.
func NewDocumentStrategy() *DocumentStrategy {
	return &DocumentStrategy{}
}

// Extract reads the file and extracts text according to its format.
func (s *DocumentStrategy) Extract(_ context.Context, path, _ string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
}

func extractPDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	var textBuilder strings.Builder

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Some pages may fail to parse, keep going
			continue
		}

		if text != "" {
			if textBuilder.Len() > 0 {
				textBuilder.WriteString("\n\n---\n\n")
			}
			textBuilder.WriteString(text)
		}
	}

	extracted := textBuilder.String()
	if extracted == "" {
		// Likely an image-based scan with no text layer
		extracted = fmt.Sprintf("[PDF document with %d pages - no text content extracted]", numPages)
	}
	return extracted, nil
}

// extractDOCX pulls the text runs out of word/document.xml. DOCX is a
// zip container; text lives in <w:t> elements, paragraphs in <w:p>.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open DOCX container: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("DOCX missing word/document.xml")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var textBuilder strings.Builder
	decoder := xml.NewDecoder(rc)
	inText := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				textBuilder.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				textBuilder.Write(el)
			}
		}
	}

	return strings.TrimSpace(textBuilder.String()), nil
}
