package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/labdrop/internal/collection"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler handles searches, live streams and status lookups
type ReadHandler struct {
	svc FileService
	log logging.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc FileService, log logging.Logger) *ReadHandler {
	return &ReadHandler{svc: svc, log: log}
}

// SearchResponse represents the response for a search
type SearchResponse struct {
	Files []models.FileRecord `json:"files"`
	Count int                 `json:"count"`
}

// SearchRequest is the body of POST /files/search
type SearchRequest struct {
	Filters []filter.Expression `json:"filters"`
}

// FileView is a record together with its resolved access URL
type FileView struct {
	models.FileRecord
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
}

// SnapshotEvent is the payload of one server-sent event
type SnapshotEvent struct {
	Seq   uint64     `json:"seq"`
	Files []FileView `json:"files"`
}

// Search handles GET /files?filename=&shipTo=&date=
func (rh *ReadHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	set, err := filter.FromForm(q.Get("filename"), q.Get("shipTo"), q.Get("date"))
	if err != nil {
		writeError(w, err)
		return
	}
	rh.search(w, r, set)
}

// SearchExpressions handles POST /files/search with a JSON filter list
func (rh *ReadHandler) SearchExpressions(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", common.ErrValidation, err))
		return
	}
	set, err := filter.Parse(req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	rh.search(w, r, set)
}

func (rh *ReadHandler) search(w http.ResponseWriter, r *http.Request, set filter.Set) {
	ctx, span := tracer.Start(r.Context(), "search_files",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("predicate_count", set.Len())),
	)
	defer span.End()

	files, err := rh.svc.Search(ctx, set)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	span.SetAttributes(attribute.Int("result_count", len(files)))
	writeJSON(w, http.StatusOK, SearchResponse{Files: files, Count: len(files)})
}

// Stream handles GET /files/stream. Every snapshot of the live view is sent
// as one server-sent event until the client goes away.
func (rh *ReadHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	set, err := filter.FromForm(q.Get("filename"), q.Get("shipTo"), q.Get("date"))
	if err != nil {
		writeError(w, err)
		return
	}

	h, err := rh.svc.OpenCollection(ctx, set)
	if err != nil {
		writeError(w, err)
		return
	}
	defer h.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-h.Snapshots():
			if !ok {
				if err := h.Err(); err != nil {
					rh.log.Warn(ctx, "file stream ended", "error", err)
				}
				return
			}
			data, err := json.Marshal(snapshotEvent(snap))
			if err != nil {
				rh.log.Error(ctx, "failed to encode snapshot", "error", err)
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: snapshot\ndata: %s\n\n", strconv.FormatUint(snap.Seq, 10), data)
			flusher.Flush()
		}
	}
}

func snapshotEvent(snap collection.Snapshot) SnapshotEvent {
	files := make([]FileView, 0, snap.Len())
	for _, rec := range snap.Records {
		u, ok := snap.URL(rec.Key)
		files = append(files, FileView{FileRecord: rec, URL: u, Available: ok})
	}
	return SnapshotEvent{Seq: snap.Seq, Files: files}
}

// Task handles GET /uploads/{id}
func (rh *ReadHandler) Task(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, ok := rh.svc.Task(id)
	if !ok {
		writeError(w, fmt.Errorf("task %s: %w", id, common.ErrTaskNotFound))
		return
	}
	writeJSON(w, http.StatusOK, task.Status())
}

// Orphans handles GET /orphans
func (rh *ReadHandler) Orphans(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "find_orphans",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	report, err := rh.svc.FindOrphans(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
