package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// Compile-time interface check.
var _ TickStore = (*ParquetTickStore)(nil)

// ParquetTickStore archives price ticks in Parquet files on disk, one file
// per instrument and day.
type ParquetTickStore struct {
	DataDir string
}

// NewParquetTickStore creates a tick store rooted at the given data
// directory.
func NewParquetTickStore(dataDir string) *ParquetTickStore {
	return &ParquetTickStore{DataDir: dataDir}
}

// TickRecord is the Parquet schema for archived price ticks.
type TickRecord struct {
	Instrument string  `parquet:"instrument"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Price      float64 `parquet:"price"`
	Volume     int64   `parquet:"volume"`
	Source     string  `parquet:"source"`
}

// WriteTicks appends ticks to their daily files, merging with existing
// records. Ticks are deduplicated by (instrument, timestamp), preferring
// the incoming record.
func (s *ParquetTickStore) WriteTicks(_ context.Context, ticks []domain.PriceTick) error {
	if len(ticks) == 0 {
		return nil
	}

	type key struct {
		instrument string
		date       string // YYYY-MM-DD
	}
	groups := make(map[key][]TickRecord)
	for _, t := range ticks {
		k := key{instrument: t.Instrument, date: t.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], TickRecord{
			Instrument: t.Instrument,
			Timestamp:  t.Timestamp.UnixMilli(),
			Price:      t.LastPrice.InexactFloat64(),
			Volume:     t.Volume,
			Source:     t.SourceBroker,
		})
	}

	for k, records := range groups {
		day, _ := time.Parse("2006-01-02", k.date)
		path := s.tickPath(k.instrument, day)

		existing, _ := readParquetFile[TickRecord](path)
		merged := mergeTickRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing ticks for %s/%s: %w", k.instrument, k.date, err)
		}
	}
	return nil
}

// ReadTicks reads archived ticks for the instrument within [start, end].
func (s *ParquetTickStore) ReadTicks(_ context.Context, instrument string, start, end time.Time) ([]domain.PriceTick, error) {
	var ticks []domain.PriceTick
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end); d = d.AddDate(0, 0, 1) {
		path := s.tickPath(instrument, d)
		records, err := readParquetFile[TickRecord](path)
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			ticks = append(ticks, domain.PriceTick{
				Instrument:   r.Instrument,
				LastPrice:    decimal.NewFromFloat(r.Price),
				Volume:       r.Volume,
				Timestamp:    ts,
				SourceBroker: r.Source,
			})
		}
	}
	return ticks, nil
}

// tickPath returns the filesystem path for one day of ticks.
// Layout: <dataDir>/ticks/<INSTRUMENT>/<YYYY-MM-DD>.parquet
func (s *ParquetTickStore) tickPath(instrument string, t time.Time) string {
	date := t.Format("2006-01-02")
	return filepath.Join(s.DataDir, "ticks", strings.ToUpper(instrument), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeTickRecords deduplicates by (instrument, timestamp), preferring
// incoming records. Results are sorted by timestamp.
func mergeTickRecords(existing, incoming []TickRecord) []TickRecord {
	type key struct {
		instrument string
		ts         int64
	}
	seen := make(map[key]TickRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Instrument, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Instrument, r.Timestamp}] = r
	}

	merged := make([]TickRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
