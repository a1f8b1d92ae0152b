package warehouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/repository"
	"go.uber.org/zap"
)

// Handler exposes loading and the read side over HTTP.
type Handler struct {
	loader  *Loader
	queries *Queries
	logger  *zap.Logger
}

// NewHTTPHandler wraps the loader and queries.
func NewHTTPHandler(loader *Loader, queries *Queries, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{loader: loader, queries: queries, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/batches", h.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", h.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/load", h.loadBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/validation", h.validateBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/audit", h.auditLog).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/rejections", h.rejections).Methods(http.MethodGet)
	r.HandleFunc("/dimensions/{entity}/history", h.history).Methods(http.MethodGet)
	r.HandleFunc("/dimensions/{entity}/as-of", h.asOf).Methods(http.MethodGet)
	r.HandleFunc("/ad-sets/{id}/audiences", h.audiences).Methods(http.MethodGet)
	r.HandleFunc("/facts", h.facts).Methods(http.MethodGet)
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.BatchStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				statuses = append(statuses, domain.BatchStatus(status))
			}
		}
	}
	limit, offset, err := paging(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batches, err := h.queries.Batches(r.Context(), statuses, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	batch, err := h.queries.Batch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) loadBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	opts, err := loadOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.loader.LoadBatch(r.Context(), id, opts)
	if err != nil {
		status := statusFor(err)
		if result.Status == "" {
			h.writeError(w, err)
			return
		}
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// validateBatch runs the validator and records the rejected rows.
func (h *Handler) validateBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	report, err := h.loader.ValidateBatch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	entries, err := h.queries.AuditLog(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) rejections(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.queries.Rejections(r.Context(), id, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	entity, key, ok := dimensionKey(w, r)
	if !ok {
		return
	}
	versions, err := h.queries.History(r.Context(), entity, key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(versions) == 0 {
		http.Error(w, fmt.Sprintf("no %s with key %q", entity, key), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) {
	entity, key, ok := dimensionKey(w, r)
	if !ok {
		return
	}
	at, err := parseInstant(r.URL.Query().Get("at"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid at: %v", err), http.StatusBadRequest)
		return
	}
	if at == nil {
		now := time.Now().UTC()
		at = &now
	}

	version, found, err := h.queries.AsOf(r.Context(), entity, key, *at)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		http.Error(w, fmt.Sprintf("no %s with key %q", entity, key), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handler) audiences(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid ad set id", http.StatusBadRequest)
		return
	}
	links, err := h.queries.Audiences(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *Handler) facts(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFactFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	facts, err := h.queries.Facts(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

func batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid batch id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// dimensionKey reads the natural key either verbatim from ?key= or from
// the account, campaign, ad_set and ad names.
func dimensionKey(w http.ResponseWriter, r *http.Request) (domain.EntityKind, string, bool) {
	entity, ok := domain.ParseEntityKind(mux.Vars(r)["entity"])
	if !ok {
		http.Error(w, "entity must be campaign, ad_set or ad", http.StatusNotFound)
		return "", "", false
	}

	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		return entity, key, true
	}

	names := []string{q.Get("account"), q.Get("campaign")}
	switch entity {
	case domain.EntityAdSet:
		names = append(names, q.Get("ad_set"))
	case domain.EntityAd:
		names = append(names, q.Get("ad_set"), q.Get("ad"))
	}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			http.Error(w, "key or the full name chain is required", http.StatusBadRequest)
			return "", "", false
		}
	}
	return entity, domain.NaturalKey(names...), true
}

func loadOptions(r *http.Request) (LoadOptions, error) {
	q := r.URL.Query()
	var opts LoadOptions
	var err error

	if opts.ValidateOnly, err = parseBool(q.Get("validateOnly")); err != nil {
		return opts, fmt.Errorf("invalid validateOnly: %w", err)
	}
	if opts.ForceReload, err = parseBool(q.Get("force")); err != nil {
		return opts, fmt.Errorf("invalid force: %w", err)
	}
	if raw := q.Get("maxErrorPercentage"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid maxErrorPercentage: %w", err)
		}
		opts.MaxErrorPercentage = &value
	}
	if opts.EffectiveAt, err = parseInstant(q.Get("effectiveAt")); err != nil {
		return opts, fmt.Errorf("invalid effectiveAt: %w", err)
	}
	return opts, nil
}

// ParseFactFilter reads a fact filter from query parameters.
func ParseFactFilter(r *http.Request) (domain.FactFilter, error) {
	q := r.URL.Query()
	var filter domain.FactFilter
	var err error

	if filter.DateFrom, err = parseInstant(q.Get("date_from")); err != nil {
		return filter, fmt.Errorf("invalid date_from: %w", err)
	}
	if filter.DateTo, err = parseInstant(q.Get("date_to")); err != nil {
		return filter, fmt.Errorf("invalid date_to: %w", err)
	}
	ids := []struct {
		name   string
		target **int64
	}{
		{"account_id", &filter.AccountID},
		{"campaign_id", &filter.CampaignID},
		{"ad_set_id", &filter.AdSetID},
		{"ad_id", &filter.AdID},
		{"age_bracket_id", &filter.AgeBracketID},
		{"gender_id", &filter.GenderID},
	}
	for _, id := range ids {
		raw := q.Get(id.name)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid %s: %w", id.name, err)
		}
		*id.target = &value
	}
	if raw := q.Get("batch_id"); raw != "" {
		value, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid batch_id: %w", err)
		}
		filter.BatchID = &value
	}
	if filter.Limit, filter.Offset, err = paging(r); err != nil {
		return filter, err
	}
	return filter, nil
}

func paging(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	var err error
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
	}
	return limit, offset, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// parseInstant accepts RFC 3339 timestamps and plain dates.
func parseInstant(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD, got %q", raw)
}

func statusFor(err error) int {
	var validationErr *ValidationError
	switch {
	case errors.Is(err, repository.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyLoaded), errors.Is(err, ErrBatchInProgress), errors.Is(err, ErrEffectiveTimeRegression):
		return http.StatusConflict
	case errors.As(err, &validationErr), errors.Is(err, ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrLoadLockBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
