package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maneesh/labdrop/internal/collection"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/deletion"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/storage"
	"github.com/maneesh/labdrop/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	objects *storage.MemoryObjectStore
	records *storage.MemoryRecordStore
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects := storage.NewMemoryObjectStore("test-bucket")
	records := storage.NewMemoryRecordStore("tester")
	svc, err := New(Deps{Objects: objects, Records: records, AccessURLTTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })
	return &fixture{objects: objects, records: records, svc: svc}
}

func finish(t *testing.T, task *upload.Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
}

func await(t *testing.T, h *collection.Handle, cond func(collection.Snapshot) bool) collection.Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-h.Snapshots():
			require.True(t, ok, "handle closed")
			if cond(snap) {
				return snap
			}
		case <-timeout:
			t.Fatal("condition not reached")
			return collection.Snapshot{}
		}
	}
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(Deps{Objects: storage.NewMemoryObjectStore("b")})
	assert.Error(t, err)
}

func TestService_SearchBeforeStart(t *testing.T) {
	svc, err := New(Deps{Objects: storage.NewMemoryObjectStore("b"), Records: storage.NewMemoryRecordStore("x")})
	require.NoError(t, err)
	_, err = svc.Search(context.Background(), filter.Set{})
	assert.ErrorIs(t, err, common.ErrNotStarted)
}

func TestService_UploadThenSearchReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.svc.StartUpload(ctx, upload.File{Name: "invoice.pdf", Type: "application/pdf", Size: 3, Body: strings.NewReader("pdf")})
	require.NoError(t, err)
	finish(t, other)

	data := bytes.Repeat([]byte{'r'}, 500000)
	task, err := f.svc.StartUpload(ctx, upload.File{Name: "report.csv", Type: "text/csv", Size: 500000, Body: bytes.NewReader(data)})
	require.NoError(t, err)
	finish(t, task)
	require.Equal(t, upload.StateComplete, task.State())
	assert.Equal(t, int64(500000), task.Progress().Transferred)

	cond, err := filter.NewCondition(filter.FieldFilename, filter.Contains, "report")
	require.NoError(t, err)
	found, err := f.svc.Search(ctx, filter.NewSet(cond))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "report.csv", found[0].Filename)

	all, err := f.svc.Search(ctx, filter.Set{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(all), 2)

	got, ok := f.svc.Task(task.ID())
	require.True(t, ok)
	assert.Same(t, task, got)
}

func TestService_RoundTripThroughCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.svc.OpenCollection(ctx, filter.Set{})
	require.NoError(t, err)
	defer h.Close()

	task, err := f.svc.StartUpload(ctx, upload.File{Name: "data.json", Type: "application/json", ShipTo: "berlin", Size: 2, Body: strings.NewReader("{}")})
	require.NoError(t, err)
	finish(t, task)
	committed, ok := task.Record()
	require.True(t, ok)

	snap := await(t, h, func(s collection.Snapshot) bool { return s.Len() == 1 })
	rec := snap.Records[0]
	assert.Equal(t, task.Key(), rec.Key)
	assert.Equal(t, "data.json", rec.Filename)
	assert.Equal(t, "application/json", rec.Type)
	assert.Equal(t, int64(2), rec.SizeOr(-1))
	assert.Equal(t, "berlin", rec.ShipTo)
	assert.True(t, rec.UploadedAt.Equal(committed.UploadedAt))

	u, ok := snap.URL(rec.Key)
	assert.True(t, ok)
	assert.Contains(t, u, rec.Key)
}

func TestService_DeleteByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.svc.StartUpload(ctx, upload.File{Name: "a.txt", Size: 1, Body: strings.NewReader("x")})
	require.NoError(t, err)
	finish(t, task)
	rec, _ := task.Record()

	h, err := f.svc.OpenCollection(ctx, filter.Set{})
	require.NoError(t, err)
	defer h.Close()
	await(t, h, func(s collection.Snapshot) bool { return s.Len() == 1 })

	out, err := f.svc.DeleteByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, deletion.FullyDeleted, out.Status)
	await(t, h, func(s collection.Snapshot) bool { return s.Len() == 0 })

	_, err = f.svc.DeleteByID(ctx, rec.ID)
	assert.ErrorIs(t, err, common.ErrRecordNotFound)
}

func TestService_DeleteRecordWithMissingObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.records.Create(ctx, models.NewRecord{Key: "uploads/1-x.txt", Filename: "x.txt", UploadedAt: time.Now()})
	require.NoError(t, err)

	out := f.svc.DeleteRecord(ctx, rec)
	assert.True(t, out.MetadataOnly())
	assert.ErrorIs(t, out.Err(), common.ErrDeletionPartial)
}

func TestService_CancelAndClearTasks(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.CancelUpload("nope"), common.ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.ClearTask("nope"), common.ErrTaskNotFound)

	task, err := f.svc.StartUpload(context.Background(), upload.File{Name: "a.txt", Size: 1, Body: strings.NewReader("x")})
	require.NoError(t, err)
	finish(t, task)

	assert.ErrorIs(t, f.svc.CancelUpload(task.ID()), common.ErrTaskFinished)
	require.NoError(t, f.svc.ClearTask(task.ID()))
	_, ok := f.svc.Task(task.ID())
	assert.False(t, ok)

	body, w := io.Pipe()
	active, err := f.svc.StartUpload(context.Background(), upload.File{Name: "b.txt", Size: -1, Body: body})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.ClearTask(active.ID()), common.ErrTaskActive)
	require.NoError(t, w.Close())
	finish(t, active)
	require.NoError(t, f.svc.ClearTask(active.ID()))
}

func TestService_CloseReleasesHandles(t *testing.T) {
	objects := storage.NewMemoryObjectStore("b")
	records := storage.NewMemoryRecordStore("tester")
	svc, err := New(Deps{Objects: objects, Records: records})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	h, err := svc.OpenCollection(context.Background(), filter.Set{})
	require.NoError(t, err)
	assert.Equal(t, 2, records.Subscribers())

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle not closed")
	}
	assert.Equal(t, 0, records.Subscribers())

	_, err = svc.OpenCollection(context.Background(), filter.Set{})
	assert.ErrorIs(t, err, common.ErrClosed)
	_, err = svc.StartUpload(context.Background(), upload.File{Name: "a", Body: strings.NewReader("")})
	assert.ErrorIs(t, err, common.ErrClosed)
}

func TestService_FindOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.records.Create(ctx, models.NewRecord{Key: "uploads/gone", Filename: "gone", UploadedAt: time.Now()})
	require.NoError(t, err)

	report, err := f.svc.FindOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.Equal(t, "uploads/gone", report.Records[0].Key)
}

// flakyRecords ends its first live query with an error after one result set
// and rejects the second one outright.
type flakyRecords struct {
	*storage.MemoryRecordStore
	calls atomic.Int32
}

func (f *flakyRecords) Subscribe(ctx context.Context, set filter.Set) (storage.Subscription, error) {
	switch f.calls.Add(1) {
	case 1:
		items := make(chan []models.FileRecord, 1)
		items <- nil
		close(items)
		return &endedSubscription{items: items, err: errors.New("relist failed")}, nil
	case 2:
		return nil, errors.New("redis unavailable")
	}
	return f.MemoryRecordStore.Subscribe(ctx, set)
}

type endedSubscription struct {
	items chan []models.FileRecord
	err   error
}

func (s *endedSubscription) Items() <-chan []models.FileRecord { return s.items }
func (s *endedSubscription) Err() error                        { return s.err }
func (s *endedSubscription) Close() error                      { return nil }

func TestService_ReopensLocalViewAfterFailure(t *testing.T) {
	records := &flakyRecords{MemoryRecordStore: storage.NewMemoryRecordStore("tester")}
	svc, err := New(Deps{
		Objects:     storage.NewMemoryObjectStore("b"),
		Records:     records,
		ReopenDelay: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	ctx := context.Background()
	_, err = records.Create(ctx, models.NewRecord{Key: "uploads/1-a.txt", Filename: "a.txt", UploadedAt: time.Now().UTC()})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := svc.Search(ctx, filter.Set{})
		return err == nil && len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, records.calls.Load(), int32(3))
	assert.Equal(t, 1, records.Subscribers())

	require.NoError(t, svc.Close())
	assert.Equal(t, 0, records.Subscribers())
}
