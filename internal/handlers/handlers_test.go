package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/deletion"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/service"
	"github.com/maneesh/labdrop/internal/storage"
	"github.com/maneesh/labdrop/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	objects *storage.MemoryObjectStore
	records *storage.MemoryRecordStore
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects := storage.NewMemoryObjectStore("test-bucket")
	records := storage.NewMemoryRecordStore("anonymous")
	svc, err := service.New(service.Deps{Objects: objects, Records: records, AccessURLTTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	server := httptest.NewServer(NewRouter(svc, logging.Nop()))
	t.Cleanup(func() {
		server.Close()
		svc.Close()
	})
	return &fixture{objects: objects, records: records, server: server}
}

func (f *fixture) put(t *testing.T, query string, body []byte, header http.Header) (*http.Response, WriteResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, f.server.URL+"/files?"+query, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out WriteResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) search(t *testing.T, query string) SearchResponse {
	t.Helper()
	resp, err := http.Get(f.server.URL + "/files?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) delete(t *testing.T, path string) (*http.Response, DeleteResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out DeleteResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadAndSearch(t *testing.T) {
	f := newFixture(t)

	data := bytes.Repeat([]byte("0123456789"), 50000)
	resp, out := f.put(t, "name=report.csv&type=text/csv&shipTo=oslo", data, http.Header{OwnerHeader: {"alice"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "complete", string(out.State))
	assert.Equal(t, int64(500000), out.Progress.Transferred)
	assert.Equal(t, int64(500000), out.Progress.Total)
	require.NotNil(t, out.Record)
	assert.Equal(t, "alice", out.Record.Owner)
	assert.Equal(t, "oslo", out.Record.ShipTo)
	assert.True(t, strings.HasPrefix(out.Key, "uploads/"))
	assert.NotEmpty(t, out.URL)

	_, _ = f.put(t, "name=invoice.pdf", []byte("pdf"), nil)

	got := f.search(t, "filename=report")
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "report.csv", got.Files[0].Filename)

	assert.Equal(t, 1, f.search(t, "shipTo=oslo").Count)
	assert.Equal(t, 0, f.search(t, "shipTo=Oslo").Count)
	assert.Equal(t, 0, f.search(t, "date=2999-01-01").Count)
}

func TestUpload_MissingName(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.put(t, "type=text/plain", []byte("x"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearch_InvalidDate(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/files?date=yesterday")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchExpressions(t *testing.T) {
	f := newFixture(t)
	f.put(t, "name=report.csv", []byte("abc"), nil)
	f.put(t, "name=big-report.csv", bytes.Repeat([]byte("a"), 100), nil)

	post := func(body string) *http.Response {
		resp, err := http.Post(f.server.URL+"/files/search", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"filters":[{"field":"filename","operator":"contains","operand":"report"},{"field":"size","operator":"ge","operand":50}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out SearchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "big-report.csv", out.Files[0].Filename)

	bad := post(`{"filters":[{"field":"uploadedAt","operator":"contains","operand":"2024"}]}`)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	malformed := post(`{"filters":`)
	defer malformed.Body.Close()
	assert.Equal(t, http.StatusBadRequest, malformed.StatusCode)
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t)
	_, up := f.put(t, "name=a.txt", []byte("x"), nil)
	require.NotNil(t, up.Record)

	resp, out := f.delete(t, "/files/"+up.Record.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, deletion.FullyDeleted, out.Status)

	resp, _ = f.delete(t, "/files/"+up.Record.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteFile_ObjectAlreadyGone(t *testing.T) {
	f := newFixture(t)
	_, up := f.put(t, "name=a.txt", []byte("x"), nil)
	require.NotNil(t, up.Record)
	require.NoError(t, f.objects.Delete(context.Background(), up.Key))

	resp, out := f.delete(t, "/files/"+up.Record.ID)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Equal(t, deletion.PartiallyDeleted, out.Status)
	assert.Equal(t, []deletion.Side{deletion.SideRecord}, out.Succeeded)
	assert.NotEmpty(t, out.Error)
}

func TestTaskStatus(t *testing.T) {
	f := newFixture(t)
	_, up := f.put(t, "name=a.txt", []byte("x"), nil)

	resp, err := http.Get(f.server.URL + "/uploads/" + up.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	missing, err := http.Get(f.server.URL + "/uploads/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	resp, _ = f.delete(t, "/uploads/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearCompletedTask(t *testing.T) {
	f := newFixture(t)
	_, up := f.put(t, "name=a.txt", []byte("x"), nil)
	require.Equal(t, upload.StateComplete, up.State)

	resp, _ := f.delete(t, "/uploads/"+up.ID)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	gone, err := http.Get(f.server.URL + "/uploads/" + up.ID)
	require.NoError(t, err)
	defer gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)

	resp, _ = f.delete(t, "/uploads/"+up.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOrphans(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/orphans")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report deletion.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Empty(t, report.Objects)
	assert.Empty(t, report.Records)
}

func readEvent(t *testing.T, r *bufio.Reader) SnapshotEvent {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			var ev SnapshotEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			return ev
		}
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/files/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewReader(resp.Body)
	first := readEvent(t, events)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, first.Files)

	f.put(t, "name=live.txt", []byte("hello"), nil)

	second := readEvent(t, events)
	require.Len(t, second.Files, 1)
	assert.Equal(t, "live.txt", second.Files[0].Filename)
	assert.True(t, second.Files[0].Available)
	assert.Contains(t, second.Files[0].URL, "memory://test-bucket/")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", common.ErrValidation), http.StatusBadRequest},
		{common.ErrRecordNotFound, http.StatusNotFound},
		{common.ErrNotCancellable, http.StatusConflict},
		{fmt.Errorf("task t1 is transferring: %w", common.ErrTaskActive), http.StatusConflict},
		{common.ErrClosed, http.StatusServiceUnavailable},
		{&common.PhaseError{Phase: common.PhaseTransfer, Cause: errors.New("x")}, http.StatusBadGateway},
		{&common.PhaseError{Phase: common.PhaseCommit, Cause: errors.New("x")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
