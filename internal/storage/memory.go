package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/models"
)

const memoryChunkSize = 32 * 1024

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// MemoryObjectStore is an in-process ObjectStore for local runs and tests.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	denied  map[string]bool
}

// NewMemoryObjectStore creates an empty object store named bucket.
func NewMemoryObjectStore(bucket string) *MemoryObjectStore {
	return &MemoryObjectStore{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
		denied:  make(map[string]bool),
	}
}

// Deny makes AccessURL report key as not readable by the caller.
func (m *MemoryObjectStore) Deny(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[key] = true
}

// Has reports whether key is stored.
func (m *MemoryObjectStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Put copies r in fixed-size chunks, checking ctx between chunks.
func (m *MemoryObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error {
	var buf bytes.Buffer
	chunk := make([]byte, memoryChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if onProgress != nil {
				onProgress(int64(buf.Len()))
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return fmt.Errorf("error reading chunk: %w", err)
		}
	}

	if size >= 0 && int64(buf.Len()) != size {
		return fmt.Errorf("short upload: got %d of %d bytes", buf.Len(), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: buf.Bytes(), contentType: contentType, lastModified: time.Now().UTC()}
	return nil
}

func (m *MemoryObjectStore) AccessURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.denied[key] {
		return "", fmt.Errorf("%s: %w", key, common.ErrAccessDenied)
	}
	if _, ok := m.objects[key]; !ok {
		return "", fmt.Errorf("%s: %w", key, common.ErrObjectNotFound)
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     m.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {strconv.FormatInt(int64(ttl.Seconds()), 10)}}.Encode(),
	}
	return u.String(), nil
}

func (m *MemoryObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%s: %w", key, common.ErrObjectNotFound)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryObjectStore) List(_ context.Context) ([]models.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ObjectInfo, 0, len(m.objects))
	for key, obj := range m.objects {
		out = append(out, models.ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MemoryRecordStore is an in-process RecordStore with live queries. Each
// mutation enqueues one result set per open subscription, in commit order.
type MemoryRecordStore struct {
	mu           sync.Mutex
	records      []models.FileRecord
	subs         map[*memoryFeed]filter.Set
	defaultOwner string
}

// NewMemoryRecordStore creates an empty record store. Records created
// without an owner in the context get defaultOwner.
func NewMemoryRecordStore(defaultOwner string) *MemoryRecordStore {
	return &MemoryRecordStore{
		subs:         make(map[*memoryFeed]filter.Set),
		defaultOwner: defaultOwner,
	}
}

func (m *MemoryRecordStore) Create(ctx context.Context, rec models.NewRecord) (models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.FileRecord{}, err
	}
	owner, ok := models.OwnerFromContext(ctx)
	if !ok {
		owner = m.defaultOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Key == rec.Key {
			return models.FileRecord{}, fmt.Errorf("key %s already recorded", rec.Key)
		}
	}
	file := models.FileRecord{
		ID:         uuid.New().String(),
		Key:        rec.Key,
		Filename:   rec.Filename,
		Size:       rec.Size,
		Type:       rec.Type,
		UploadedAt: rec.UploadedAt.UTC(),
		Owner:      owner,
		ShipTo:     rec.ShipTo,
	}
	m.records = append(m.records, file)
	m.broadcastLocked()
	return file, nil
}

func (m *MemoryRecordStore) Get(_ context.Context, id string) (models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return models.FileRecord{}, fmt.Errorf("file %s: %w", id, common.ErrRecordNotFound)
}

func (m *MemoryRecordStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i:i], m.records[i+1:]...)
			m.broadcastLocked()
			return nil
		}
	}
	return fmt.Errorf("file %s: %w", id, common.ErrRecordNotFound)
}

func (m *MemoryRecordStore) List(_ context.Context, set filter.Set) ([]models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(set), nil
}

func (m *MemoryRecordStore) listLocked(set filter.Set) []models.FileRecord {
	return set.Apply(m.records)
}

// Subscribe opens a live query that re-evaluates set after every mutation.
func (m *MemoryRecordStore) Subscribe(ctx context.Context, set filter.Set) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feed := newMemoryFeed()

	m.mu.Lock()
	m.subs[feed] = set
	feed.push(m.listLocked(set))
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.subs, feed)
		m.mu.Unlock()
	}
	return startSubscription(context.WithoutCancel(ctx), feed.next, release), nil
}

// Subscribers reports how many live queries are open.
func (m *MemoryRecordStore) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryRecordStore) broadcastLocked() {
	for feed, set := range m.subs {
		feed.push(m.listLocked(set))
	}
}

// memoryFeed is an unbounded FIFO of result sets.
type memoryFeed struct {
	mu     sync.Mutex
	queue  [][]models.FileRecord
	signal chan struct{}
}

func newMemoryFeed() *memoryFeed {
	return &memoryFeed{signal: make(chan struct{}, 1)}
}

func (f *memoryFeed) push(items []models.FileRecord) {
	f.mu.Lock()
	f.queue = append(f.queue, items)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *memoryFeed) next(ctx context.Context) ([]models.FileRecord, error) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			items := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return items, nil
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
