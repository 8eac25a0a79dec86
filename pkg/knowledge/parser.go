package knowledge

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// maxCellsPerSheet caps how much of a spreadsheet ends up in the index.
const maxCellsPerSheet = 1000

var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// Supported reports whether Extract can handle the file.
func Supported(path string) bool {
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".pdf", ext == ".docx", ext == ".xlsx":
		return true
	default:
		return textExtensions[ext]
	}
}

// Extract pulls plain text out of a document. PDF, Word and Excel files
// go through native parsers; text and markdown are read verbatim.
func Extract(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return extractPDF(ctx, path)
	case ext == ".docx":
		return extractDocx(path)
	case ext == ".xlsx":
		return extractXLSX(ctx, path)
	case textExtensions[ext]:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported document type %q", filepath.Ext(path))
	}
}

func extractPDF(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat PDF: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
	}

	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX: %w", err)
	}
	defer doc.Close()

	return docxToText(doc.Editable().GetContent()), nil
}

var docxTag = regexp.MustCompile(`<[^>]+>`)

// docxToText flattens WordprocessingML into plain text. Paragraph ends
// become newlines and every other tag is dropped.
func docxToText(content string) string {
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	content = docxTag.ReplaceAllString(content, "")
	return strings.TrimSpace(html.UnescapeString(content))
}

func extractXLSX(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open XLSX: %w", err)
	}
	defer f.Close()

	var parts []string
	for _, sheet := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "--- Sheet: %s ---\n", sheet)

		cells := 0
		for rowIdx, row := range rows {
			if cells >= maxCellsPerSheet {
				b.WriteString("... (truncated)\n")
				break
			}
			for colIdx, cell := range row {
				if cells >= maxCellsPerSheet {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					fmt.Fprintf(&b, "%s%d: %s\n", columnLetter(colIdx), rowIdx+1, text)
					cells++
				}
			}
		}

		if cells > 0 {
			parts = append(parts, strings.TrimSpace(b.String()))
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

// columnLetter converts a 0-based column index to its spreadsheet
// letter (A, B, ..., Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}
