package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/makeasinger/imagebatch/internal/model"
)

// StorageScheme prefixes row references that live in blob storage
const StorageScheme = "storage://"

const defaultMaxRowBytes = 50 * 1024 * 1024 // 50MB

// BlobReader reads back an object written to blob storage
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// DelimitedRowSource loads CSV, TSV or semicolon separated rows from an
// http(s) URL or from blob storage. The first record is the header.
type DelimitedRowSource struct {
	client   *http.Client
	blobs    BlobReader
	maxBytes int64
}

func NewDelimitedRowSource(blobs BlobReader, timeout time.Duration) *DelimitedRowSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DelimitedRowSource{
		client:   &http.Client{Timeout: timeout},
		blobs:    blobs,
		maxBytes: defaultMaxRowBytes,
	}
}

// Rows implements RowSource
func (s *DelimitedRowSource) Rows(ctx context.Context, ref string) ([]model.Row, error) {
	data, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return ParseRows(data)
}

func (s *DelimitedRowSource) fetch(ctx context.Context, ref string) ([]byte, error) {
	if key, ok := strings.CutPrefix(ref, StorageScheme); ok {
		if s.blobs == nil {
			return nil, errors.New("blob storage not configured")
		}
		data, err := s.blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read rows object: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rows fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("row set exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}

// ParseRows parses delimited text whose first record names the columns.
// The delimiter is the most frequent of tab, comma and semicolon in the
// header. Blank records are dropped; short records are padded with "".
func ParseRows(data []byte) ([]model.Row, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = detectDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = r.Comma != '\t'

	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("row set has no header")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []model.Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse rows: %w", err)
		}
		if blank(record) {
			continue
		}

		row := make(model.Row, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func detectDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{'\t', ';'} {
		if n := bytes.Count(line, []byte{byte(d)}); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
