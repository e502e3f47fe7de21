package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"porsche-tracker/models"
)

var csvHeader = []string{
	"criteria_id", "source", "listing_id", "title", "make", "model", "trim", "year",
	"raw_price", "mileage", "vin", "zip", "city", "state", "url", "fetched_at",
}

// CSVWriter appends raw source records to a CSV file, one row per record,
// so extractor failures can be replayed offline. It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	limit  int
}

// NewCSVWriter opens the CSV file at path for appending, writing the header
// row when the file is new. Intermediate directories are created
// automatically. limit caps the rows written per call; zero means no cap.
func NewCSVWriter(path string, limit int) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &CSVWriter{file: f, writer: w, limit: limit}, nil
}

var _ RawArchive = (*CSVWriter)(nil)

// WriteRaw appends the records of one scan.
func (c *CSVWriter) WriteRaw(criteriaID string, records []models.RawRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit > 0 && len(records) > c.limit {
		records = records[:c.limit]
	}

	for _, r := range records {
		row := []string{
			criteriaID,
			r.Source,
			r.ListingID,
			r.Title,
			r.Make,
			r.Model,
			r.Trim,
			r.Year,
			r.Price,
			r.Mileage,
			r.VIN,
			r.ZipCode,
			r.City,
			r.State,
			r.URL,
			r.FetchedAt.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}
