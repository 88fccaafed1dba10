package calllog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Entry is one row of the device call log.
type Entry struct {
	Number         string `json:"number"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	DurationSec    int    `json:"duration"`
	Date           int64  `json:"date"`
	SubscriptionID *int   `json:"subscription_id"`
}

// Source yields call log entries.
type Source interface {
	// Available reports whether the log can be read at all.
	Available() bool
	// Read returns entries with Date strictly greater than sinceMs.
	Read(ctx context.Context, sinceMs int64) ([]Entry, error)
}

// FileSource reads a JSON-lines export of the call log.
type FileSource struct {
	Path string
	// Skipped counts malformed lines seen by the last Read.
	Skipped int
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Available() bool {
	fh, err := os.Open(f.Path)
	if err != nil {
		return false
	}
	fh.Close()
	return true
}

func (f *FileSource) Read(ctx context.Context, sinceMs int64) ([]Entry, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	defer fh.Close()

	f.Skipped = 0
	var out []Entry
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.Date <= 0 {
			f.Skipped++
			continue
		}
		if e.Date > sinceMs {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan call log: %w", err)
	}
	return out, nil
}
