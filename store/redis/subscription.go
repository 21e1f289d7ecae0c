package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/subscription"
)

// subscriptionModel is the JSON representation stored in Redis.
type subscriptionModel struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	TokenAddress    string     `json:"token_address,omitempty"`
	EventTypes      []string   `json:"event_types"`
	Secret          string     `json:"secret"`
	Active          bool       `json:"active"`
	RateLimit       int        `json:"rate_limit"`
	CreatedBy       string     `json:"created_by"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	types := make([]string, len(sub.EventTypes))
	for i, t := range sub.EventTypes {
		types[i] = string(t)
	}
	return &subscriptionModel{
		ID:              sub.ID.String(),
		URL:             sub.URL,
		TokenAddress:    sub.TokenAddress,
		EventTypes:      types,
		Secret:          sub.Secret,
		Active:          sub.Active,
		RateLimit:       sub.RateLimit,
		CreatedBy:       sub.CreatedBy,
		LastTriggeredAt: sub.LastTriggeredAt,
		DeletedAt:       sub.DeletedAt,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	types := make([]chainevent.Type, len(m.EventTypes))
	for i, t := range m.EventTypes {
		types[i] = chainevent.Type(t)
	}
	return &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              subID,
		URL:             m.URL,
		TokenAddress:    m.TokenAddress,
		EventTypes:      types,
		Secret:          m.Secret,
		Active:          m.Active,
		RateLimit:       m.RateLimit,
		CreatedBy:       m.CreatedBy,
		LastTriggeredAt: m.LastTriggeredAt,
		DeletedAt:       m.DeletedAt,
	}, nil
}

// saveSubscription writes the entity and keeps the active set in step with it.
func (s *Store) saveSubscription(ctx context.Context, m *subscriptionModel) error {
	if err := s.saveJSON(ctx, entityKey(prefixSubscription, m.ID), m); err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	if m.Active && m.DeletedAt == nil {
		pipe.SAdd(ctx, sSubscriptionActive, m.ID)
	} else {
		pipe.SRem(ctx, sSubscriptionActive, m.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// loadLive returns the stored model unless it is missing or soft-deleted.
func (s *Store) loadLive(ctx context.Context, subID string) (*subscriptionModel, error) {
	var m subscriptionModel
	if err := s.loadJSON(ctx, entityKey(prefixSubscription, subID), &m); err != nil {
		if isMissing(err) {
			return nil, chainhook.ErrSubscriptionNotFound
		}
		return nil, err
	}
	if m.DeletedAt != nil {
		return nil, chainhook.ErrSubscriptionNotFound
	}
	return &m, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)

	if err := s.saveSubscription(ctx, m); err != nil {
		return fmt.Errorf("chainhook/redis: create subscription: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, zSubscriptionAll, goredis.Z{Score: unixScore(m.CreatedAt), Member: m.ID}).Err(); err != nil {
		return fmt.Errorf("chainhook/redis: create subscription index: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m, err := s.loadLive(ctx, subID.String())
	if err != nil {
		if errors.Is(err, chainhook.ErrSubscriptionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("chainhook/redis: get subscription: %w", err)
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if _, err := s.loadLive(ctx, sub.ID.String()); err != nil {
		return err
	}
	if err := s.saveSubscription(ctx, toSubscriptionModel(sub)); err != nil {
		return fmt.Errorf("chainhook/redis: update subscription: %w", err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.ZRange(ctx, zSubscriptionAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chainhook/redis: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, 0, len(ids))
	for _, entryID := range ids {
		m, err := s.loadLive(ctx, entryID)
		if err != nil {
			if errors.Is(err, chainhook.ErrSubscriptionNotFound) {
				continue
			}
			return nil, err
		}
		if opts.CreatedBy != "" && m.CreatedBy != opts.CreatedBy {
			continue
		}
		if opts.Active != nil && m.Active != *opts.Active {
			continue
		}
		sub, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, sSubscriptionActive).Result()
	if err != nil {
		return nil, fmt.Errorf("chainhook/redis: list active subscriptions: %w", err)
	}

	var result []*subscription.Subscription
	for _, entryID := range ids {
		m, err := s.loadLive(ctx, entryID)
		if err != nil {
			if errors.Is(err, chainhook.ErrSubscriptionNotFound) {
				continue
			}
			return nil, err
		}
		if !m.Active {
			continue
		}
		sub, err := fromSubscriptionModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	m, err := s.loadLive(ctx, subID.String())
	if err != nil {
		return err
	}
	m.Active = active
	m.UpdatedAt = utcNow()
	if err := s.saveSubscription(ctx, m); err != nil {
		return fmt.Errorf("chainhook/redis: set active: %w", err)
	}
	return nil
}

func (s *Store) TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error {
	m, err := s.loadLive(ctx, subID.String())
	if err != nil {
		return err
	}
	at = at.UTC()
	m.LastTriggeredAt = &at
	if err := s.saveJSON(ctx, entityKey(prefixSubscription, m.ID), m); err != nil {
		return fmt.Errorf("chainhook/redis: touch triggered: %w", err)
	}
	return nil
}
