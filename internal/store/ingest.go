package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// IngestFile loads documents from a markdown file and appends them to the
// corpus in file order. It returns the number of documents created.
func (s *SQLiteStore) IngestFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer f.Close()

	contents, err := ParseDocuments(f)
	if err != nil {
		return 0, fmt.Errorf("failed to parse data file %s: %w", path, err)
	}
	if len(contents) == 0 {
		slog.Warn("no documents found in data file", "path", path)
		return 0, nil
	}

	docs, err := s.CreateDocuments(ctx, contents)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// ParseDocuments reads one document per line. Single-column markdown table
// rows ("| text |") are unwrapped; the table header and separator rows and
// blank lines are skipped.
func ParseDocuments(r io.Reader) ([]string, error) {
	var docs []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	row := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row++

		isTableRow := strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && len(line) > 1
		if !isTableRow {
			docs = append(docs, line)
			continue
		}

		cell := strings.TrimSpace(strings.Trim(line, "|"))
		lower := strings.ToLower(cell)
		switch {
		case row == 1 && (lower == "text" || lower == "content"):
			continue
		case strings.Trim(cell, "-: ") == "":
			// separator row or empty cell
			continue
		}
		docs = append(docs, cell)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
