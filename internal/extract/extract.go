// Package extract turns uploaded files into ingestible plain text.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfMagic is the file signature every PDF starts with.
var pdfMagic = []byte("%PDF-")

// Text converts an uploaded file to plain text. PDF content is extracted
// page by page; anything else is treated as UTF-8 text.
func Text(filename string, data []byte) (string, error) {
	if bytes.HasPrefix(data, pdfMagic) || strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return pdfText(data)
	}
	return string(data), nil
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var out strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extracting page %d: %w", pageNum, err)
		}
		out.WriteString(text)
		out.WriteByte('\n')
	}

	if strings.TrimSpace(out.String()) == "" {
		return "", fmt.Errorf("pdf contains no extractable text")
	}
	return out.String(), nil
}
