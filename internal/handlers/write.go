package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/deletion"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/upload"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteHandler handles uploads, cancellations and deletions
type WriteHandler struct {
	svc FileService
	log logging.Logger
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(svc FileService, log logging.Logger) *WriteHandler {
	return &WriteHandler{svc: svc, log: log}
}

// WriteResponse represents the response for an upload
type WriteResponse struct {
	upload.Status
	Message string `json:"message"`
}

// DeleteResponse represents the response for a deletion
type DeleteResponse struct {
	deletion.Outcome
	Error string `json:"error,omitempty"`
}

// Upload handles PUT /files?name=filename&type=mime&shipTo=tag. The request
// body is streamed to object storage; a client disconnect during the
// transfer cancels the upload.
func (wh *WriteHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	q := r.URL.Query()
	filename := q.Get("name")
	if filename == "" {
		http.Error(w, "missing 'name' query parameter", http.StatusBadRequest)
		return
	}
	contentType := q.Get("type")
	if contentType == "" {
		contentType = r.Header.Get("Content-Type")
	}
	span.SetAttributes(
		attribute.String("file_name", filename),
		attribute.Int64("content_length", r.ContentLength),
	)

	if owner := r.Header.Get(OwnerHeader); owner != "" {
		ctx = models.WithOwner(ctx, owner)
	}

	task, err := wh.svc.StartUpload(ctx, upload.File{
		Name:   filename,
		Type:   contentType,
		ShipTo: q.Get("shipTo"),
		Size:   r.ContentLength,
		Body:   r.Body,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task_id", task.ID()))

	// the body belongs to this request, so the handler stays until the task settles
	<-task.Done()

	status := task.Status()
	switch status.State {
	case upload.StateComplete:
		msg := "File uploaded successfully"
		if status.Notice != "" {
			msg = status.Notice
		}
		wh.log.Info(ctx, "file upload completed", "file", filename, "key", status.Key)
		writeJSON(w, http.StatusCreated, WriteResponse{Status: status, Message: msg})
	default:
		err := task.Err()
		span.RecordError(err)
		wh.log.Warn(ctx, "file upload did not complete", "file", filename, "state", status.State, "error", err)
		writeJSON(w, statusFor(err), WriteResponse{Status: status, Message: "File upload " + string(status.State)})
	}
}

// Cancel handles DELETE /uploads/{id}. A running task is cancelled (202); a
// finished one is cleared from the registry (204).
func (wh *WriteHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := wh.svc.CancelUpload(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, common.ErrTaskFinished):
		if err := wh.svc.ClearTask(id); err != nil {
			writeError(w, err)
			return
		}
		wh.log.Info(r.Context(), "upload task cleared", "task_id", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, err)
	}
}

// RetryCommit handles POST /uploads/{id}/retry
func (wh *WriteHandler) RetryCommit(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "retry_commit",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	task, err := wh.svc.RetryCommit(ctx, mux.Vars(r)["id"])
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		return
	}
	status := task.Status()
	if status.State != upload.StateComplete {
		writeJSON(w, statusFor(task.Err()), WriteResponse{Status: status, Message: "Commit retry failed"})
		return
	}
	writeJSON(w, http.StatusCreated, WriteResponse{Status: status, Message: "File committed"})
}

// Delete handles DELETE /files/{id}
func (wh *WriteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", id))

	out, err := wh.svc.DeleteByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	resp := DeleteResponse{Outcome: out}
	status := http.StatusOK
	if err := out.Err(); err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
		if out.Status == deletion.DeletionFailed {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}
