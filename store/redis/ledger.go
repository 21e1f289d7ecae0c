package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/ledger"
)

// deliveryLogModel is the JSON representation stored in Redis.
type deliveryLogModel struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventKey       string          `json:"event_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	StatusCode     int             `json:"status_code"`
	Success        bool            `json:"success"`
	Terminal       bool            `json:"terminal"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  time.Time       `json:"last_attempt_at"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toDeliveryLogModel(l *ledger.DeliveryLog) *deliveryLogModel {
	return &deliveryLogModel{
		ID:             l.ID.String(),
		SubscriptionID: l.SubscriptionID.String(),
		EventKey:       l.EventKey,
		EventType:      string(l.EventType),
		Payload:        l.Payload,
		StatusCode:     l.StatusCode,
		Success:        l.Success,
		Terminal:       l.Terminal,
		Attempts:       l.Attempts,
		LastAttemptAt:  l.LastAttemptAt,
		ErrorMessage:   l.ErrorMessage,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

func fromDeliveryLogModel(m *deliveryLogModel) (*ledger.DeliveryLog, error) {
	logID, err := id.ParseDeliveryLogID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery log ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &ledger.DeliveryLog{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             logID,
		SubscriptionID: subID,
		EventKey:       m.EventKey,
		EventType:      chainevent.Type(m.EventType),
		Payload:        m.Payload,
		StatusCode:     m.StatusCode,
		Success:        m.Success,
		Terminal:       m.Terminal,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		ErrorMessage:   m.ErrorMessage,
	}, nil
}

// UpsertDeliveryLog claims the pair index with SETNX. When another row
// already owns the pair, its ID and creation time are kept.
func (s *Store) UpsertDeliveryLog(ctx context.Context, l *ledger.DeliveryLog) error {
	m := toDeliveryLogModel(l)
	pk := pairKey(m.SubscriptionID, m.EventKey)

	claimed, err := s.rdb.SetNX(ctx, pk, m.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("chainhook/redis: claim delivery log pair: %w", err)
	}
	if !claimed {
		existingID, err := s.rdb.Get(ctx, pk).Result()
		if err != nil {
			return fmt.Errorf("chainhook/redis: read delivery log pair: %w", err)
		}
		var existing deliveryLogModel
		switch err := s.loadJSON(ctx, entityKey(prefixDeliveryLog, existingID), &existing); {
		case err == nil:
			m.CreatedAt = existing.CreatedAt
		case !isMissing(err):
			return fmt.Errorf("chainhook/redis: read delivery log: %w", err)
		}
		m.ID = existingID
	}

	if err := s.saveJSON(ctx, entityKey(prefixDeliveryLog, m.ID), m); err != nil {
		return fmt.Errorf("chainhook/redis: upsert delivery log: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, zDeliverySub+m.SubscriptionID, goredis.Z{Score: unixScore(m.LastAttemptAt), Member: m.ID}).Err(); err != nil {
		return fmt.Errorf("chainhook/redis: upsert delivery log index: %w", err)
	}
	return nil
}

func (s *Store) FindDeliveryLog(ctx context.Context, subID id.ID, eventKey string) (*ledger.DeliveryLog, error) {
	logID, err := s.rdb.Get(ctx, pairKey(subID.String(), eventKey)).Result()
	if err != nil {
		if isMissing(err) {
			return nil, nil //nolint:nilnil // absence is not an error here
		}
		return nil, fmt.Errorf("chainhook/redis: find delivery log: %w", err)
	}

	parsed, err := id.ParseDeliveryLogID(logID)
	if err != nil {
		return nil, fmt.Errorf("chainhook/redis: find delivery log: %w", err)
	}
	l, err := s.GetDeliveryLog(ctx, parsed)
	if errors.Is(err, chainhook.ErrDeliveryLogNotFound) {
		return nil, nil //nolint:nilnil // index written, entity not yet
	}
	return l, err
}

func (s *Store) GetDeliveryLog(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	var m deliveryLogModel
	if err := s.loadJSON(ctx, entityKey(prefixDeliveryLog, logID.String()), &m); err != nil {
		if isMissing(err) {
			return nil, chainhook.ErrDeliveryLogNotFound
		}
		return nil, fmt.Errorf("chainhook/redis: get delivery log: %w", err)
	}
	return fromDeliveryLogModel(&m)
}

// ListDeliveryLogs walks the per-subscription index newest first.
func (s *Store) ListDeliveryLogs(ctx context.Context, subID id.ID, opts ledger.ListOpts) ([]*ledger.DeliveryLog, error) {
	ids, err := s.rdb.ZRevRange(ctx, zDeliverySub+subID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chainhook/redis: list delivery logs: %w", err)
	}

	result := make([]*ledger.DeliveryLog, 0, len(ids))
	for _, entryID := range ids {
		var m deliveryLogModel
		if err := s.loadJSON(ctx, entityKey(prefixDeliveryLog, entryID), &m); err != nil {
			if isMissing(err) {
				continue
			}
			return nil, err
		}
		l, err := fromDeliveryLogModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}

	return page(result, opts.Offset, opts.Limit), nil
}
