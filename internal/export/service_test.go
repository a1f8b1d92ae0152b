package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap/zaptest"
)

type pagedFacts struct {
	facts []domain.Fact
	calls []domain.FactFilter
}

func (p *pagedFacts) Facts(_ context.Context, filter domain.FactFilter) ([]domain.Fact, error) {
	p.calls = append(p.calls, filter)
	var matched []domain.Fact
	for _, f := range p.facts {
		if filter.Matches(f) {
			matched = append(matched, f)
		}
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func sampleFacts(n int) []domain.Fact {
	batch := uuid.New()
	currency := int64(3)
	facts := make([]domain.Fact, n)
	for i := range facts {
		facts[i] = domain.Fact{
			Grain: domain.Grain{
				DateID: 20240301 + i, AccountID: 1, CampaignID: 2, AdSetID: 3,
				AdID: int64(10 + i), AgeBracketID: 5, GenderID: 6,
			},
			CurrencyID: &currency,
			Metrics:    domain.Metrics{Spend: 10.5, Impressions: 1000, Clicks: 20, Frequency: 1.5},
			RowCount:   1,
			BatchID:    batch,
			LoadedAt:   time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		}
	}
	return facts
}

func TestWriteCSVPagesThroughFacts(t *testing.T) {
	source := &pagedFacts{facts: sampleFacts(5)}
	service := NewService(source, zaptest.NewLogger(t), WithPageSize(2))

	var buf bytes.Buffer
	result, err := service.Write(context.Background(), &buf, FormatCSV, domain.FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Rows)
	assert.Equal(t, int64(buf.Len()), result.Bytes)
	assert.Len(t, source.calls, 3)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, Headers(), records[0])
	assert.Equal(t, "20240301", records[1][0])
	assert.Equal(t, "3", records[1][7])
	assert.Equal(t, "10.5", records[1][8])
	assert.Equal(t, "2024-03-10T12:00:00Z", records[1][len(records[1])-1])
	assert.Equal(t, "14", records[5][4])
}

func TestWriteRespectsLimitAndOffset(t *testing.T) {
	source := &pagedFacts{facts: sampleFacts(10)}
	service := NewService(source, nil, WithPageSize(3))

	var buf bytes.Buffer
	result, err := service.Write(context.Background(), &buf, FormatCSV, domain.FactFilter{Limit: 4, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Rows)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "20240303", records[1][0])
	assert.Equal(t, "20240306", records[4][0])
}

func TestWriteXLSX(t *testing.T) {
	source := &pagedFacts{facts: sampleFacts(3)}
	service := NewService(source, zaptest.NewLogger(t))

	var buf bytes.Buffer
	result, err := service.Write(context.Background(), &buf, FormatXLSX, domain.FactFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rows)

	book, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "date_id", rows[0][0])
	assert.Equal(t, strconv.Itoa(20240302), rows[2][0])
	assert.Equal(t, "10.5", rows[1][8])
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = ParseFormat("parquet")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestHTTPHandlerServesDownload(t *testing.T) {
	source := &pagedFacts{facts: sampleFacts(2)}
	service := NewService(source, nil)
	service.now = func() time.Time { return time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC) }
	parse := func(r *http.Request) (domain.FactFilter, error) { return domain.FactFilter{}, nil }
	handler := NewHTTPHandler(service, parse, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/facts/export?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="ad-performance-20240310-083000.csv"`, rec.Header().Get("Content-Disposition"))

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/facts/export?format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/facts/export", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
