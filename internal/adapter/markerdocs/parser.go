package markerdocs

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Strob0t/ReviewForge/internal/domain/document"
)

// pageMarker matches marker's paginated output separator, e.g.
// "{3}------------------------------------------------". The number is the
// 0-based index of the page that follows.
var pageMarker = regexp.MustCompile(`^\{(\d+)\}-{3,}\s*$`)

// SplitPages splits paginated markdown into pages. Text before the first
// separator, or text without any separator, belongs to page 1. Blank pages
// are dropped; the others keep their numbers.
func SplitPages(content []byte) []document.Page {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var pages []document.Page
	num := 1
	var buf strings.Builder
	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		if n := len(pages); n > 0 && pages[n-1].Number == num {
			pages[n-1].Text += "\n\n" + text
			return
		}
		pages = append(pages, document.Page{Number: num, Text: text})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if m := pageMarker.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			idx, _ := strconv.Atoi(m[1])
			num = idx + 1
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return pages
}

// splitFormFeeds splits plain text on form feeds, the page break pdftotext
// and similar tools emit.
func splitFormFeeds(content []byte) []document.Page {
	var pages []document.Page
	for i, part := range strings.Split(string(content), "\f") {
		if text := strings.TrimSpace(part); text != "" {
			pages = append(pages, document.Page{Number: i + 1, Text: text})
		}
	}
	return pages
}

// csvPage renders a spreadsheet export as a single page of pipe-separated
// rows.
func csvPage(content []byte) ([]document.Page, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	var b strings.Builder
	for _, rec := range records {
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		b.WriteString(strings.Join(rec, " | "))
		b.WriteByte('\n')
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, nil
	}
	return []document.Page{{Number: 1, Text: text}}, nil
}
