package warehouse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T, f *fixture) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHTTPHandler(newTestLoader(t, f), NewQueries(f.deps), zaptest.NewLogger(t)).Register(router)
	return router
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerLoadAndRead(t *testing.T) {
	f := newFixture()
	router := newTestRouter(t, f)
	batchID := f.stage(withBudget(row(1, "2024-03-01", "Summer Sale", "Broad", "Video A"), 100))

	rec := serve(router, http.MethodPost, "/batches/"+batchID.String()+"/load")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.BatchStatusCompleted, result.Status)
	assert.Equal(t, 1, result.FactRows)

	rec = serve(router, http.MethodPost, "/batches/"+batchID.String()+"/load")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(router, http.MethodGet, "/batches/"+batchID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var batch domain.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, domain.BatchStatusCompleted, batch.Status)

	rec = serve(router, http.MethodGet, "/batches?status=completed,failed")
	require.Equal(t, http.StatusOK, rec.Code)
	var batches []domain.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batches))
	assert.Len(t, batches, 1)

	rec = serve(router, http.MethodGet, "/batches/"+batchID.String()+"/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.AuditLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.NotEmpty(t, entries)

	rec = serve(router, http.MethodGet, "/facts?batch_id="+batchID.String()+"&date_from=2024-03-01&date_to=2024-03-01")
	require.Equal(t, http.StatusOK, rec.Code)
	var facts []domain.Fact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &facts))
	require.Len(t, facts, 1)
	assert.Equal(t, 10.0, facts[0].Metrics.Spend)

	query := url.Values{"account": {"Acme Retail"}, "campaign": {"Summer Sale"}}
	rec = serve(router, http.MethodGet, "/dimensions/campaign/history?"+query.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	var history []VersionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, domain.NaturalKey("Acme Retail", "Summer Sale"), history[0].NaturalKey)

	query.Set("at", "2024-03-02")
	rec = serve(router, http.MethodGet, "/dimensions/campaigns/as-of?"+query.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerValidationFailureIsUnprocessable(t *testing.T) {
	f := newFixture()
	router := newTestRouter(t, f)
	batchID := f.stage(
		row(1, "2024-03-01", "Summer Sale", "Broad", "Video A"),
		row(2, "2024-03-01", "", "Broad", "Video A"),
	)

	// validation records rejections, so reads never trigger it
	rec := serve(router, http.MethodGet, "/batches/"+batchID.String()+"/validation")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rejected, err := f.rejections.Count(context.Background(), batchID)
	require.NoError(t, err)
	assert.Zero(t, rejected)

	rec = serve(router, http.MethodPost, "/batches/"+batchID.String()+"/validation")
	require.Equal(t, http.StatusOK, rec.Code)
	var report ValidationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Passed)

	rec = serve(router, http.MethodPost, "/batches/"+batchID.String()+"/load?maxErrorPercentage=10")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(router, http.MethodGet, "/batches/"+batchID.String()+"/rejections")
	require.Equal(t, http.StatusOK, rec.Code)
	var rejections []domain.RejectionEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejections))
	require.Len(t, rejections, 1)
	assert.Equal(t, 2, rejections[0].RowNumber)
}

func TestHandlerBadRequests(t *testing.T) {
	f := newFixture()
	router := newTestRouter(t, f)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"bad batch id", http.MethodGet, "/batches/nope", http.StatusBadRequest},
		{"unknown batch", http.MethodGet, "/batches/" + uuid.NewString(), http.StatusNotFound},
		{"bad threshold", http.MethodPost, "/batches/" + uuid.NewString() + "/load?maxErrorPercentage=abc", http.StatusBadRequest},
		{"bad effective date", http.MethodPost, "/batches/" + uuid.NewString() + "/load?effectiveAt=yesterday", http.StatusBadRequest},
		{"unknown entity", http.MethodGet, "/dimensions/creative/history?key=x", http.StatusNotFound},
		{"partial name chain", http.MethodGet, "/dimensions/ad/history?account=a&campaign=b", http.StatusBadRequest},
		{"unknown key", http.MethodGet, "/dimensions/ad/history?key=missing", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/facts?limit=-1", http.StatusBadRequest},
		{"bad ad set id", http.MethodGet, "/ad-sets/x/audiences", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, tt.method, tt.target)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
