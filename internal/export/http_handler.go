package export

import (
	"fmt"
	"net/http"

	"github.com/rpattn/adwarehouse/internal/domain"
	"go.uber.org/zap"
)

// FilterParser reads a fact filter from a request.
type FilterParser func(*http.Request) (domain.FactFilter, error)

type Handler struct {
	service     *Service
	parseFilter FilterParser
	logger      *zap.Logger
}

// NewHTTPHandler serves GET downloads of the fact table. ?format selects
// csv or xlsx; the remaining parameters narrow the facts.
func NewHTTPHandler(service *Service, parseFilter FilterParser, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, parseFilter: parseFilter, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := h.parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", h.service.FileName(format)))
	if _, err := h.service.Write(r.Context(), w, format, filter); err != nil {
		// The body may already be partly written.
		h.logger.Error("fact export failed", zap.Error(err))
	}
}
