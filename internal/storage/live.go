package storage

import (
	"context"
	"fmt"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LiveRecordStore combines the TiDB record table with the Redis change feed
// into a record store that supports live queries.
type LiveRecordStore struct {
	records *TiDBClient
	feed    *RedisClient
	log     logging.Logger
}

// NewLiveRecordStore creates a LiveRecordStore.
func NewLiveRecordStore(records *TiDBClient, feed *RedisClient, log logging.Logger) *LiveRecordStore {
	return &LiveRecordStore{records: records, feed: feed, log: log}
}

// Create inserts the record and announces it.
func (s *LiveRecordStore) Create(ctx context.Context, rec models.NewRecord) (models.FileRecord, error) {
	file, err := s.records.Create(ctx, rec)
	if err != nil {
		return models.FileRecord{}, err
	}
	s.publish(ctx, Change{Op: ChangeCreate, ID: file.ID})
	return file, nil
}

func (s *LiveRecordStore) Get(ctx context.Context, id string) (models.FileRecord, error) {
	return s.records.Get(ctx, id)
}

// Delete removes the record and announces it.
func (s *LiveRecordStore) Delete(ctx context.Context, id string) error {
	if err := s.records.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, Change{Op: ChangeDelete, ID: id})
	return nil
}

func (s *LiveRecordStore) List(ctx context.Context, set filter.Set) ([]models.FileRecord, error) {
	return s.records.List(ctx, set)
}

func (s *LiveRecordStore) Supports(c filter.Condition) bool {
	return s.records.Supports(c)
}

// publish failures are not returned: the mutation is already committed and
// live queries pick it up with the next change.
func (s *LiveRecordStore) publish(ctx context.Context, change Change) {
	if err := s.feed.PublishChange(ctx, change); err != nil {
		s.log.Warn(ctx, "change notification not published", "op", change.Op, "id", change.ID, "error", err)
	}
}

// Subscribe subscribes to the change feed before taking the initial listing,
// then re-lists on every notification.
func (s *LiveRecordStore) Subscribe(ctx context.Context, set filter.Set) (Subscription, error) {
	ctx, span := tracer.Start(ctx, "live.subscribe",
		trace.WithAttributes(attribute.Int("condition_count", len(set.Conditions()))),
	)
	defer span.End()

	pubsub, err := s.feed.SubscribeChanges(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	initial, err := s.records.List(ctx, set)
	if err != nil {
		pubsub.Close()
		span.RecordError(err)
		return nil, err
	}

	messages := pubsub.Channel()
	first := true
	next := func(ctx context.Context) ([]models.FileRecord, error) {
		if first {
			first = false
			return initial, nil
		}
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case msg, ok := <-messages:
				if !ok {
					return nil, fmt.Errorf("change feed: %w", common.ErrClosed)
				}
				change, err := DecodeChange(msg.Payload)
				if err != nil {
					s.log.Warn(ctx, "ignoring malformed change", "error", err)
					continue
				}
				items, err := s.records.List(ctx, set)
				if err != nil {
					return nil, fmt.Errorf("relist after %s %s: %w", change.Op, change.ID, err)
				}
				return items, nil
			}
		}
	}

	// ctx bounds the open call only; the subscription lives until Close
	return startSubscription(context.WithoutCancel(ctx), next, func() { pubsub.Close() }), nil
}
