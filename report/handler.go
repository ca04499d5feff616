package report

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/rental-billing/internal/platform/httpx"
	"github.com/odyssey-erp/rental-billing/internal/shared"
	"github.com/odyssey-erp/rental-billing/internal/versions"
)

// VersionReader loads stored invoice versions.
type VersionReader interface {
	LatestVersion(ctx context.Context, invoiceID int64) (*versions.Version, error)
}

// Pinger reports renderer availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves stored invoice PDFs and the renderer health check.
type Handler struct {
	renderer Pinger
	versions VersionReader
	logger   *slog.Logger
}

// NewHandler creates the handler.
func NewHandler(renderer Pinger, store VersionReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{renderer: renderer, versions: store, logger: logger}
}

// MountRoutes registers the routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/render/health", h.ping)
	r.Get("/invoices/{invoiceID}/pdf", h.latestPDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.renderer.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) latestPDF(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := strconv.ParseInt(chi.URLParam(r, "invoiceID"), 10, 64)
	if err != nil || invoiceID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", string(shared.KindValidation), "invalid invoice id")
		return
	}
	v, err := h.versions.LatestVersion(r.Context(), invoiceID)
	if err != nil {
		if httpx.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("load invoice version", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	if v == nil {
		httpx.RespondError(w, versions.ErrNotFound.Withf("invoice %d has no published version", invoiceID))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(v.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v.PDF)
}
