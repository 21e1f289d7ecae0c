package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
)

// UpsertDeliveryLog writes the outcome fields of the (subscription, event
// key) row. The ID and creation time are only set when the row is new.
func (s *Store) UpsertDeliveryLog(ctx context.Context, l *ledger.DeliveryLog) error {
	m := toDeliveryLogModel(l)

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"subscription_id": m.SubscriptionID, "event_key": m.EventKey}).
		SetUpdate(bson.M{
			"$setOnInsert": bson.M{
				"_id":        m.ID,
				"created_at": m.CreatedAt,
			},
			"$set": bson.M{
				"event_type":      m.EventType,
				"payload":         m.Payload,
				"status_code":     m.StatusCode,
				"success":         m.Success,
				"terminal":        m.Terminal,
				"attempts":        m.Attempts,
				"last_attempt_at": m.LastAttemptAt,
				"error_message":   m.ErrorMessage,
				"updated_at":      m.UpdatedAt,
			},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chainhook/mongo: upsert delivery log: %w", err)
	}

	return nil
}

// FindDeliveryLog returns the row for (subID, eventKey), or nil.
func (s *Store) FindDeliveryLog(ctx context.Context, subID id.ID, eventKey string) (*ledger.DeliveryLog, error) {
	var m deliveryLogModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"subscription_id": subID.String(), "event_key": eventKey}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil //nolint:nilnil // absence is not an error here
		}

		return nil, fmt.Errorf("chainhook/mongo: find delivery log: %w", err)
	}

	return fromDeliveryLogModel(&m)
}

// GetDeliveryLog returns a log by ID.
func (s *Store) GetDeliveryLog(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	var m deliveryLogModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": logID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, chainhook.ErrDeliveryLogNotFound
		}

		return nil, fmt.Errorf("chainhook/mongo: get delivery log: %w", err)
	}

	return fromDeliveryLogModel(&m)
}

// ListDeliveryLogs returns a subscription's logs, most recent attempt first.
func (s *Store) ListDeliveryLogs(ctx context.Context, subID id.ID, opts ledger.ListOpts) ([]*ledger.DeliveryLog, error) {
	var models []deliveryLogModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"subscription_id": subID.String()}).
		Sort(bson.D{{Key: "last_attempt_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("chainhook/mongo: list delivery logs: %w", err)
	}

	result := make([]*ledger.DeliveryLog, 0, len(models))

	for i := range models {
		l, err := fromDeliveryLogModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, l)
	}

	return result, nil
}
