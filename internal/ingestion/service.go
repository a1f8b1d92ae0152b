package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// Service turns ad platform exports into staged batches.
type Service struct {
	batches repository.BatchRepository
	staging repository.StagingRepository
	logger  *zap.Logger
}

// NewService creates a new ingestion service.
func NewService(batches repository.BatchRepository, staging repository.StagingRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{batches: batches, staging: staging, logger: logger}
}

// Request describes the ingestion input.
type Request struct {
	FileName       string
	HeaderRowIndex *int
	Data           io.Reader
}

// Summary reports what was staged.
type Summary struct {
	BatchID         uuid.UUID          `json:"batchId"`
	Status          domain.BatchStatus `json:"status"`
	SourceHash      string             `json:"sourceHash"`
	TotalRows       int                `json:"totalRows"`
	ValidRows       int                `json:"validRows"`
	InvalidRows     int                `json:"invalidRows"`
	Duplicate       bool               `json:"duplicate"`
	UnmappedColumns []string           `json:"unmappedColumns,omitempty"`
}

// Parse reads an export and normalizes every data row.
func Parse(fileName string, payload []byte, headerRowIndex *int) ([]domain.NormalizedRow, []string, error) {
	table, err := parseTable(fileName, payload, headerRowIndex)
	if err != nil {
		return nil, nil, err
	}
	idx, err := mapHeaders(table.headers)
	if err != nil {
		return nil, idx.unmapped, err
	}

	rows := make([]domain.NormalizedRow, 0, len(table.rows))
	for i, record := range table.rows {
		rows = append(rows, normalizeRow(idx, record, table.rowNumbers[i]))
	}
	return rows, idx.unmapped, nil
}

// SourceHash fingerprints a raw export.
func SourceHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Stage parses the upload and stores its rows under a new pending batch.
// An export that was staged before returns the existing batch together
// with repository.ErrDuplicateSource.
func (s *Service) Stage(ctx context.Context, req Request) (Summary, error) {
	var summary Summary

	if strings.TrimSpace(req.FileName) == "" {
		return summary, errors.New("file name is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	summary.SourceHash = SourceHash(payload)
	if existing, err := s.batches.GetBySourceHash(ctx, summary.SourceHash); err == nil {
		return s.duplicate(summary, existing), repository.ErrDuplicateSource
	} else if !errors.Is(err, repository.ErrBatchNotFound) {
		return summary, fmt.Errorf("failed to look up source hash: %w", err)
	}

	rows, unmapped, err := Parse(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	summary.UnmappedColumns = unmapped
	summary.TotalRows = len(rows)
	for _, row := range rows {
		if row.Valid {
			summary.ValidRows++
		}
	}
	summary.InvalidRows = summary.TotalRows - summary.ValidRows

	batch := domain.NewBatch(req.FileName, summary.SourceHash)
	batch.TotalRows = summary.TotalRows
	staged, err := s.staging.Stage(ctx, batch, rows)
	if errors.Is(err, repository.ErrDuplicateSource) {
		// staged concurrently by someone else
		existing, lookupErr := s.batches.GetBySourceHash(ctx, summary.SourceHash)
		if lookupErr != nil {
			return summary, errors.Join(err, lookupErr)
		}
		return s.duplicate(summary, existing), err
	}
	if err != nil {
		return summary, fmt.Errorf("failed to stage batch: %w", err)
	}

	summary.BatchID = staged.ID
	summary.Status = staged.Status
	s.logger.Info("batch staged",
		zap.String("batch_id", staged.ID.String()),
		zap.String("file", req.FileName),
		zap.Int("rows", summary.TotalRows),
		zap.Int("invalid_rows", summary.InvalidRows),
		zap.Strings("unmapped_columns", unmapped))
	return summary, nil
}

func (s *Service) duplicate(summary Summary, existing domain.Batch) Summary {
	s.logger.Info("source already staged",
		zap.String("batch_id", existing.ID.String()),
		zap.String("source_hash", summary.SourceHash))
	summary.BatchID = existing.ID
	summary.Status = existing.Status
	summary.TotalRows = existing.TotalRows
	summary.ValidRows = existing.ValidRows
	summary.InvalidRows = existing.RejectedRows
	summary.Duplicate = true
	return summary
}
