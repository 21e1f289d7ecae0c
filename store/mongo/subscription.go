package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/subscription"
)

// liveFilter matches the subscription unless it was soft-deleted. A nil
// deleted_at matches both null and missing fields.
func liveFilter(subID id.ID) bson.M {
	return bson.M{"_id": subID.String(), "deleted_at": nil}
}

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)

	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("chainhook/mongo: create subscription: %w", err)
	}

	return nil
}

// GetSubscription returns a live subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	var m subscriptionModel

	err := s.mdb.NewFind(&m).
		Filter(liveFilter(subID)).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, chainhook.ErrSubscriptionNotFound
		}

		return nil, fmt.Errorf("chainhook/mongo: get subscription: %w", err)
	}

	return fromSubscriptionModel(&m)
}

// UpdateSubscription replaces a live subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)

	res, err := s.mdb.NewUpdate(m).
		Filter(liveFilter(sub.ID)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chainhook/mongo: update subscription: %w", err)
	}

	if res.MatchedCount() == 0 {
		return chainhook.ErrSubscriptionNotFound
	}

	return nil
}

// ListSubscriptions returns live subscriptions in creation order.
func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"deleted_at": nil}
	if opts.CreatedBy != "" {
		filter["created_by"] = opts.CreatedBy
	}

	if opts.Active != nil {
		filter["active"] = *opts.Active
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("chainhook/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, 0, len(models))

	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, sub)
	}

	return result, nil
}

// ListActiveSubscriptions returns every active, live subscription.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	active := true
	return s.ListSubscriptions(ctx, subscription.ListOpts{Active: &active})
}

// SetActive toggles a subscription.
func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(liveFilter(subID)).
		Set("active", active).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chainhook/mongo: set active: %w", err)
	}

	if res.MatchedCount() == 0 {
		return chainhook.ErrSubscriptionNotFound
	}

	return nil
}

// TouchTriggered stamps last_triggered_at.
func (s *Store) TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error {
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(liveFilter(subID)).
		Set("last_triggered_at", at.UTC()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chainhook/mongo: touch triggered: %w", err)
	}

	if res.MatchedCount() == 0 {
		return chainhook.ErrSubscriptionNotFound
	}

	return nil
}
