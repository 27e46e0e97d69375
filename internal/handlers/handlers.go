package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labdrop/internal/collection"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/deletion"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/upload"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labdrop-handlers")

// OwnerHeader carries the uploading principal, set by the fronting proxy.
const OwnerHeader = "X-Labdrop-Owner"

// FileService is the consumer surface the handlers call. *service.Service
// implements it.
type FileService interface {
	Search(ctx context.Context, set filter.Set) ([]models.FileRecord, error)
	OpenCollection(ctx context.Context, set filter.Set) (*collection.Handle, error)
	StartUpload(ctx context.Context, file upload.File) (*upload.Task, error)
	CancelUpload(id string) error
	ClearTask(id string) error
	RetryCommit(ctx context.Context, id string) (*upload.Task, error)
	Task(id string) (*upload.Task, bool)
	DeleteByID(ctx context.Context, id string) (deletion.Outcome, error)
	FindOrphans(ctx context.Context) (deletion.Report, error)
}

// NewRouter registers every route. All routes except /health are traced.
func NewRouter(svc FileService, log logging.Logger) *mux.Router {
	wh := NewWriteHandler(svc, log)
	rh := NewReadHandler(svc, log)

	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	traced := func(method, path string, h http.HandlerFunc) {
		router.Handle(path, otelhttp.NewHandler(h, method+" "+path)).Methods(method)
	}

	traced(http.MethodPut, "/files", wh.Upload)
	traced(http.MethodDelete, "/files/{id}", wh.Delete)
	traced(http.MethodDelete, "/uploads/{id}", wh.Cancel)
	traced(http.MethodPost, "/uploads/{id}/retry", wh.RetryCommit)

	traced(http.MethodGet, "/files", rh.Search)
	traced(http.MethodPost, "/files/search", rh.SearchExpressions)
	traced(http.MethodGet, "/files/stream", rh.Stream)
	traced(http.MethodGet, "/uploads/{id}", rh.Task)
	traced(http.MethodGet, "/orphans", rh.Orphans)

	return router
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrRecordNotFound), errors.Is(err, common.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrNotCancellable), errors.Is(err, common.ErrTaskFinished),
		errors.Is(err, common.ErrCancelled), errors.Is(err, common.ErrTaskActive):
		return http.StatusConflict
	case errors.Is(err, common.ErrClosed), errors.Is(err, common.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, common.ErrTransfer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
