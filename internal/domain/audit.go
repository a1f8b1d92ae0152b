package domain

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// AuditStatus is the outcome recorded for a step.
type AuditStatus string

const (
	AuditStarted   AuditStatus = "started"
	AuditCompleted AuditStatus = "completed"
	AuditFailed    AuditStatus = "failed"
)

// AuditLogEntry records one orchestration step of a batch.
type AuditLogEntry struct {
	ID           uuid.UUID   `json:"id"`
	BatchID      uuid.UUID   `json:"batch_id"`
	Step         string      `json:"step"`
	Status       AuditStatus `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
	RowCount     int         `json:"row_count"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RejectionEntry captures an input row excluded from a batch.
type RejectionEntry struct {
	ID        uuid.UUID      `json:"id"`
	BatchID   uuid.UUID      `json:"batch_id"`
	RowNumber int            `json:"row_number"`
	Reason    string         `json:"reason"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

const redactedTextLimit = 120

// RedactRow keeps what an operator needs to find a rejected row in the
// source export. URLs are cut down to their host, free text is dropped and
// long values are truncated.
func RedactRow(row NormalizedRow) map[string]any {
	payload := map[string]any{
		"row_number":    row.RowNumber,
		"account_name":  truncate(row.AccountName),
		"campaign_name": truncate(row.CampaignName),
		"ad_set_name":   truncate(row.AdSetName),
		"ad_name":       truncate(row.AdName),
		"age_bracket":   truncate(row.AgeBracket),
		"gender":        truncate(row.Gender),
		"currency":      truncate(row.Currency),
		"spend":         row.Metrics.Spend,
		"impressions":   row.Metrics.Impressions,
	}
	if !row.Date.IsZero() {
		payload["date"] = row.Day().Format("2006-01-02")
	}
	if row.LandingURL != nil {
		payload["landing_url"] = redactURL(*row.LandingURL)
	}
	if row.AdBody != nil {
		payload["ad_body"] = "[redacted]"
	}
	if row.IncludedAudiences != "" {
		payload["included_audiences"] = len(SplitAudiences(row.IncludedAudiences))
	}
	if row.ExcludedAudiences != "" {
		payload["excluded_audiences"] = len(SplitAudiences(row.ExcludedAudiences))
	}
	return payload
}

func redactURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "[redacted]"
	}
	return parsed.Scheme + "://" + parsed.Host
}

func truncate(value string) string {
	if utf8.RuneCountInString(value) <= redactedTextLimit {
		return value
	}
	runes := []rune(value)
	return string(runes[:redactedTextLimit]) + "..."
}
