package subscription

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/signature"
)

// Service implements subscription management on top of a Store.
type Service struct {
	store    Store
	logger   *slog.Logger
	onChange []func()
}

// NewService returns a Service. A nil logger uses slog.Default.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// OnChange registers fn to run after every successful mutation.
// Callers use it to drop caches of the active set.
func (svc *Service) OnChange(fn func()) {
	svc.onChange = append(svc.onChange, fn)
}

func (svc *Service) changed() {
	for _, fn := range svc.onChange {
		fn()
	}
}

// Create validates in and persists a new active subscription.
func (svc *Service) Create(ctx context.Context, in Input) (*Subscription, error) {
	if err := ValidateURL(in.URL); err != nil {
		return nil, err
	}
	types, err := ParseEventTypes(in.EventTypes)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, &ValidationError{Field: "created_by", Message: "required"}
	}
	if in.RateLimit < 0 {
		return nil, &ValidationError{Field: "rate_limit", Message: "must not be negative"}
	}

	secret := in.Secret
	if secret == "" {
		secret = signature.GenerateSecret()
	}

	sub := &Subscription{
		Entity:       entity.New(),
		ID:           id.NewSubscriptionID(),
		URL:          in.URL,
		TokenAddress: strings.TrimSpace(in.TokenAddress),
		EventTypes:   types,
		Secret:       secret,
		Active:       true,
		RateLimit:    in.RateLimit,
		CreatedBy:    in.CreatedBy,
	}
	if err := svc.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	svc.changed()
	svc.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID, "created_by", sub.CreatedBy, "event_types", sub.EventTypes)
	return sub, nil
}

// Get returns a subscription by ID.
func (svc *Service) Get(ctx context.Context, subID id.ID) (*Subscription, error) {
	return svc.store.GetSubscription(ctx, subID)
}

// List returns subscriptions matching opts.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Subscription, error) {
	return svc.store.ListSubscriptions(ctx, opts)
}

// SetActive toggles whether the subscription receives deliveries.
func (svc *Service) SetActive(ctx context.Context, subID id.ID, active bool) error {
	if err := svc.store.SetActive(ctx, subID, active); err != nil {
		return err
	}
	svc.changed()
	return nil
}

// RotateSecret replaces the signing secret and returns the new value.
// This is the only time the new secret is handed out.
func (svc *Service) RotateSecret(ctx context.Context, subID id.ID) (string, error) {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	sub.Secret = signature.GenerateSecret()
	sub.Touch(time.Now())
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return "", err
	}
	svc.changed()
	svc.logger.InfoContext(ctx, "subscription secret rotated", "subscription_id", subID)
	return sub.Secret, nil
}

// Delete soft-deletes the subscription on behalf of caller, who must be its
// creator. Deleted subscriptions stop matching immediately at the store level.
func (svc *Service) Delete(ctx context.Context, subID id.ID, caller string) error {
	sub, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if caller == "" || caller != sub.CreatedBy {
		return ErrForbidden
	}

	now := time.Now().UTC()
	sub.DeletedAt = &now
	sub.Active = false
	sub.Touch(now)
	if err := svc.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	svc.changed()
	svc.logger.InfoContext(ctx, "subscription deleted", "subscription_id", subID)
	return nil
}
