package report

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-billing/internal/versions"
)

type versionMap map[int64]versions.Version

func (m versionMap) LatestVersion(_ context.Context, invoiceID int64) (*versions.Version, error) {
	v, ok := m[invoiceID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newRouter(p Pinger, store VersionReader) http.Handler {
	r := chi.NewRouter()
	NewHandler(p, store, nil).MountRoutes(r)
	return r
}

func TestLatestPDF(t *testing.T) {
	store := versionMap{3: {ID: 9, InvoiceID: 3, FileName: "INV-000003.pdf", PDF: []byte("%PDF")}}
	r := newRouter(pingFunc(func(context.Context) error { return nil }), store)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/3/pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, `inline; filename="INV-000003.pdf"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "%PDF", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/4/pdf", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/abc/pdf", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenderHealth(t *testing.T) {
	r := newRouter(pingFunc(func(context.Context) error { return errors.New("down") }), versionMap{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
