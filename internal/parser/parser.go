// Package parser extracts plain text from the document formats the
// importer accepts. Extraction is text-only: layout, styling and
// embedded media are discarded.
package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	goexcel "github.com/VantageDataChat/GoExcel"
	gopdf "github.com/VantageDataChat/GoPDF2"
	goppt "github.com/VantageDataChat/GoPPT"
	goword "github.com/VantageDataChat/GoWord"
)

// extractors maps a lower-case file extension to the routine handling
// that format.
var extractors = map[string]func([]byte) (string, error){
	".pdf":      extractPDF,
	".docx":     extractWord,
	".doc":      extractLegacyWord,
	".xlsx":     extractExcel,
	".xls":      extractLegacyExcel,
	".pptx":     extractSlides,
	".md":       extractMarkdown,
	".markdown": extractMarkdown,
	".html":     extractHTML,
	".htm":      extractHTML,
}

// SupportedExt reports whether Extract handles the given file extension
// (with or without the leading dot, any case).
func SupportedExt(ext string) bool {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	_, ok := extractors[ext]
	return ok
}

// Extract returns the plain text of the document in data. The format is
// chosen by the filename's extension.
func Extract(data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	extract, ok := extractors[ext]
	if !ok {
		return "", fmt.Errorf("unsupported file format: %q", ext)
	}
	return extract(data)
}

// extractPDF pulls the text of every page. The format libraries can
// panic on malformed input, so each extractor converts panics to errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return "", fmt.Errorf("parse pdf: not a PDF file")
	}

	pageCount, err := gopdf.GetSourcePDFPageCountFromBytes(data)
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var pages []string
	for i := 0; i < pageCount; i++ {
		pageText, err := gopdf.ExtractPageText(data, i)
		if err != nil || pageText == "" {
			continue
		}
		pages = append(pages, pageText)
	}

	return requireText(CleanText(strings.Join(pages, "\n\n")), "pdf")
}

func extractWord(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse docx: %v", r)
		}
	}()

	doc, err := goword.OpenFromBytes(data)
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	return requireText(CleanText(doc.ExtractText()), "docx")
}

// extractExcel renders each non-empty cell as one "Sheet-Row,Col: value"
// line so row context survives into the extracted text.
func extractExcel(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse xlsx: %v", r)
		}
	}()

	wb, err := goexcel.NewXLSXReader().Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse xlsx: %w", err)
	}

	var lines []string
	appendSheet := func(name string) {
		sheet, err := wb.GetSheetByName(name)
		if err != nil {
			return
		}
		rows, err := sheet.RowIterator()
		if err != nil {
			return
		}
		for r, row := range rows {
			for _, cell := range row {
				if cell == nil || cell.IsEmpty() {
					continue
				}
				if val := cell.GetFormattedValue(); val != "" {
					lines = append(lines, fmt.Sprintf("%s-%d,%d: %s", name, r+1, cell.Col()+1, val))
				}
			}
		}
	}
	for _, name := range wb.GetSheetNames() {
		appendSheet(name)
	}

	return requireText(CleanText(strings.Join(lines, "\n")), "xlsx")
}

func extractSlides(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse pptx: %v", r)
		}
	}()

	pres, err := goppt.ReadFrom(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pptx: %w", err)
	}
	defer pres.Close()

	var parts []string
	for i, slide := range pres.Slides() {
		if body := slide.ExtractText(); body != "" {
			parts = append(parts, fmt.Sprintf("Slide %d:\n%s", i+1, body))
		}
	}

	return requireText(CleanText(strings.Join(parts, "\n\n")), "pptx")
}

var (
	controlCharRe  = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalizes extracted text: control characters are removed
// (newlines and tabs survive as separators), whitespace runs within a
// line collapse to one space, and runs of blank lines collapse to a
// single blank line.
func CleanText(text string) string {
	text = controlCharRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = multiNewlineRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// mdRewrites strips Markdown syntax in order: emphasis and code spans
// unwrap to their contents, image references reduce to their alt text
// before the link rule can eat the bracket pair, links reduce to their
// label.
var mdRewrites = []struct {
	re  *regexp.Regexp
	out string
}{
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`\*\*(.+?)\*\*`), "$1"},
	{regexp.MustCompile(`__(.+?)__`), "$1"},
	{regexp.MustCompile(`\*(.+?)\*`), "$1"},
	{regexp.MustCompile(`_(.+?)_`), "$1"},
	{regexp.MustCompile("`([^`]+)`"), "$1"},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`), "$1"},
}

func extractMarkdown(data []byte) (string, error) {
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("markdown file is empty")
	}

	for _, rw := range mdRewrites {
		text = rw.re.ReplaceAllString(text, rw.out)
	}
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text), nil
}

// Tags whose boundaries become newlines so document structure survives
// markup stripping. Everything else is dropped without a separator,
// except table cells which become tabs.
var (
	htmlScriptRe  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	htmlStyleRe   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlBlockRe   = regexp.MustCompile(`(?i)</?(?:div|p|br|hr|h[1-6]|li|tr|blockquote|pre|section|article|header|footer|nav|main)[^>]*>`)
	htmlCellRe    = regexp.MustCompile(`(?i)<t[dh][^>]*>`)
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
)

func extractHTML(data []byte) (string, error) {
	page := string(data)
	if strings.TrimSpace(page) == "" {
		return "", fmt.Errorf("html file is empty")
	}

	for _, re := range []*regexp.Regexp{htmlScriptRe, htmlStyleRe, htmlCommentRe} {
		page = re.ReplaceAllString(page, "")
	}
	page = htmlBlockRe.ReplaceAllString(page, "\n")
	page = htmlCellRe.ReplaceAllString(page, "\t")
	page = htmlTagRe.ReplaceAllString(page, "")

	return requireText(CleanText(decodeHTMLEntities(page)), "html")
}

// charRefRe matches decimal and hex character references.
var charRefRe = regexp.MustCompile(`(?i)&#(?:x[0-9a-f]+|[0-9]+);`)

var entityReplacer = strings.NewReplacer(
	"&amp;", "&", "&lt;", "<", "&gt;", ">",
	"&quot;", "\"", "&#39;", "'", "&apos;", "'",
	"&nbsp;", " ", "&mdash;", "\u2014", "&ndash;", "\u2013",
	"&hellip;", "\u2026", "&copy;", "\u00a9", "&reg;", "\u00ae",
	"&trade;", "\u2122", "&laquo;", "\u00ab", "&raquo;", "\u00bb",
)

// decodeHTMLEntities resolves numeric character references and the
// named entities common in exported documents. Unknown references are
// left as-is.
func decodeHTMLEntities(s string) string {
	s = charRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		digits := ref[2 : len(ref)-1]
		base := 10
		if digits[0] == 'x' || digits[0] == 'X' {
			digits, base = digits[1:], 16
		}
		n, err := strconv.ParseInt(digits, base, 32)
		if err != nil || n <= 0 || n >= 0x110000 {
			return ref
		}
		return string(rune(n))
	})
	return entityReplacer.Replace(s)
}

// requireText rejects documents whose extraction yielded nothing.
func requireText(text, format string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%s file contains no text", format)
	}
	return text, nil
}
