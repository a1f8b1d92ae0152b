package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnknownFormat is returned for formats other than csv and xlsx.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts csv (the default) and xlsx.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FactSource pages through facts.
type FactSource interface {
	Facts(ctx context.Context, filter domain.FactFilter) ([]domain.Fact, error)
}

// Result reports what an export wrote.
type Result struct {
	Rows  int
	Bytes int64
}

// Service streams fact exports.
type Service struct {
	source   FactSource
	pageSize int
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func NewService(source FactSource, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		source:   source,
		pageSize: 1000,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// FileName names an export taken now.
func (s *Service) FileName(format Format) string {
	return fmt.Sprintf("ad-performance-%s.%s", s.now().UTC().Format("20060102-150405"), format)
}

type column struct {
	header string
	value  func(domain.Fact) any
}

var columns = []column{
	{"date_id", func(f domain.Fact) any { return f.DateID }},
	{"account_id", func(f domain.Fact) any { return f.AccountID }},
	{"campaign_id", func(f domain.Fact) any { return f.CampaignID }},
	{"ad_set_id", func(f domain.Fact) any { return f.AdSetID }},
	{"ad_id", func(f domain.Fact) any { return f.AdID }},
	{"age_bracket_id", func(f domain.Fact) any { return f.AgeBracketID }},
	{"gender_id", func(f domain.Fact) any { return f.GenderID }},
	{"currency_id", func(f domain.Fact) any { return f.CurrencyID }},
	{"spend", func(f domain.Fact) any { return f.Metrics.Spend }},
	{"impressions", func(f domain.Fact) any { return f.Metrics.Impressions }},
	{"reach", func(f domain.Fact) any { return f.Metrics.Reach }},
	{"clicks", func(f domain.Fact) any { return f.Metrics.Clicks }},
	{"results", func(f domain.Fact) any { return f.Metrics.Results }},
	{"purchases", func(f domain.Fact) any { return f.Metrics.Purchases }},
	{"purchase_value", func(f domain.Fact) any { return f.Metrics.PurchaseValue }},
	{"video_plays", func(f domain.Fact) any { return f.Metrics.VideoPlays }},
	{"video_p25", func(f domain.Fact) any { return f.Metrics.VideoP25 }},
	{"video_p50", func(f domain.Fact) any { return f.Metrics.VideoP50 }},
	{"video_p75", func(f domain.Fact) any { return f.Metrics.VideoP75 }},
	{"video_p95", func(f domain.Fact) any { return f.Metrics.VideoP95 }},
	{"video_p100", func(f domain.Fact) any { return f.Metrics.VideoP100 }},
	{"post_engagements", func(f domain.Fact) any { return f.Metrics.PostEngagements }},
	{"post_reactions", func(f domain.Fact) any { return f.Metrics.PostReactions }},
	{"post_comments", func(f domain.Fact) any { return f.Metrics.PostComments }},
	{"post_shares", func(f domain.Fact) any { return f.Metrics.PostShares }},
	{"frequency", func(f domain.Fact) any { return f.Metrics.Frequency }},
	{"avg_watch_time", func(f domain.Fact) any { return f.Metrics.AvgWatchTime }},
	{"row_count", func(f domain.Fact) any { return f.RowCount }},
	{"batch_id", func(f domain.Fact) any { return f.BatchID }},
	{"loaded_at", func(f domain.Fact) any { return f.LoadedAt }},
}

// Headers lists the export columns in order.
func Headers() []string {
	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = c.header
	}
	return headers
}

// Write streams every fact matching filter to w. A positive filter.Limit
// caps the number of rows and filter.Offset skips leading rows.
func (s *Service) Write(ctx context.Context, w io.Writer, format Format, filter domain.FactFilter) (Result, error) {
	var (
		result Result
		err    error
	)
	switch format {
	case FormatCSV:
		result, err = s.writeCSV(ctx, w, filter)
	case FormatXLSX:
		result, err = s.writeXLSX(ctx, w, filter)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return result, err
	}
	s.logger.Info("fact export written",
		zap.String("format", string(format)),
		zap.Int("rows", result.Rows),
		zap.Int64("bytes", result.Bytes))
	return result, nil
}

// pages calls fn with successive pages of facts until the source runs dry
// or the requested limit is reached.
func (s *Service) pages(ctx context.Context, filter domain.FactFilter, fn func([]domain.Fact) error) (int, error) {
	remaining := filter.Limit
	offset := filter.Offset
	exported := 0
	for {
		if ctx.Err() != nil {
			return exported, ctx.Err()
		}
		page := filter
		page.Offset = offset
		page.Limit = s.pageSize
		if remaining > 0 && remaining < page.Limit {
			page.Limit = remaining
		}

		facts, err := s.source.Facts(ctx, page)
		if err != nil {
			return exported, fmt.Errorf("list facts: %w", err)
		}
		if len(facts) == 0 {
			return exported, nil
		}
		if err := fn(facts); err != nil {
			return exported, err
		}
		exported += len(facts)
		if remaining > 0 {
			remaining -= len(facts)
			if remaining <= 0 {
				return exported, nil
			}
		}
		if len(facts) < page.Limit {
			return exported, nil
		}
		offset += len(facts)
	}
}

func (s *Service) writeCSV(ctx context.Context, w io.Writer, filter domain.FactFilter) (Result, error) {
	buffered := bufio.NewWriterSize(w, 1<<16)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(Headers()); err != nil {
		return Result{}, fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(columns))
	rows, err := s.pages(ctx, filter, func(facts []domain.Fact) error {
		for _, fact := range facts {
			for i, c := range columns {
				record[i] = formatValue(c.value(fact))
			}
			if err := csvWriter.Write(record); err != nil {
				return fmt.Errorf("write fact row: %w", err)
			}
		}
		csvWriter.Flush()
		return csvWriter.Error()
	})
	if err != nil {
		return Result{Rows: rows, Bytes: counter.count}, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Result{Rows: rows, Bytes: counter.count}, fmt.Errorf("final flush: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Result{Rows: rows, Bytes: counter.count}, fmt.Errorf("final buffered flush: %w", err)
	}
	return Result{Rows: rows, Bytes: counter.count}, nil
}

const sheetName = "Facts"

func (s *Service) writeXLSX(ctx context.Context, w io.Writer, filter domain.FactFilter) (Result, error) {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("failed to close workbook", zap.Error(err))
		}
	}()
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return Result{}, fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return Result{}, fmt.Errorf("open sheet stream: %w", err)
	}

	headers := Headers()
	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return Result{}, fmt.Errorf("write header: %w", err)
	}

	next := 2
	rows, err := s.pages(ctx, filter, func(facts []domain.Fact) error {
		for _, fact := range facts {
			cells := make([]interface{}, len(columns))
			for i, c := range columns {
				cells[i] = cellValue(c.value(fact))
			}
			cell, err := excelize.CoordinatesToCellName(1, next)
			if err != nil {
				return err
			}
			if err := sw.SetRow(cell, cells); err != nil {
				return fmt.Errorf("write fact row: %w", err)
			}
			next++
		}
		return nil
	})
	if err != nil {
		return Result{Rows: rows}, err
	}
	if err := sw.Flush(); err != nil {
		return Result{Rows: rows}, fmt.Errorf("flush sheet: %w", err)
	}

	n, err := f.WriteTo(w)
	if err != nil {
		return Result{Rows: rows, Bytes: n}, fmt.Errorf("write workbook: %w", err)
	}
	return Result{Rows: rows, Bytes: n}, nil
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

// cellValue keeps numbers numeric in spreadsheets and renders the rest as
// text.
func cellValue(value any) any {
	switch v := value.(type) {
	case int, int64, float64:
		return v
	case *int64:
		if v == nil {
			return nil
		}
		return *v
	}
	return formatValue(value)
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case *int64:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%d", *v)
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
