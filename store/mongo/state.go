package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ratelimit"
)

// GetCursor returns the named cursor.
func (s *Store) GetCursor(ctx context.Context, name string) (chainevent.Cursor, bool, error) {
	var m cursorModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": name}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return chainevent.Cursor{}, false, nil
		}

		return chainevent.Cursor{}, false, fmt.Errorf("chainhook/mongo: get cursor: %w", err)
	}

	return chainevent.Cursor{Ledger: m.Ledger, EventIndex: m.EventIndex}, true, nil
}

// CommitCursor upserts the cursor only where the stored position does not
// sort after c. When it does, the filter misses and the upsert collides with
// the existing _id, which is reported as a regression.
func (s *Store) CommitCursor(ctx context.Context, name string, c chainevent.Cursor) error {
	filter := bson.M{
		"_id": name,
		"$or": bson.A{
			bson.M{"ledger": bson.M{"$lt": c.Ledger}},
			bson.M{"ledger": c.Ledger, "event_index": bson.M{"$lte": c.EventIndex}},
		},
	}

	update := bson.M{"$set": bson.M{
		"ledger":      c.Ledger,
		"event_index": c.EventIndex,
		"updated_at":  now(),
	}}

	_, err := s.mdb.Collection(colCursors).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", chainhook.ErrCursorRegression, c)
		}

		return fmt.Errorf("chainhook/mongo: commit cursor: %w", err)
	}

	return nil
}

// TakeRateLimit applies ratelimit.Apply as a single pipeline update so
// concurrent takers from any process see a consistent counter.
func (s *Store) TakeRateLimit(ctx context.Context, subID id.ID, limit int, window time.Duration, at time.Time) (ratelimit.Counter, error) {
	at = at.UTC()

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "_reset", Value: bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$window_start", nil}}}, nil}}},
				bson.D{{Key: "$gte", Value: bson.A{
					bson.D{{Key: "$subtract", Value: bson.A{at, "$window_start"}}},
					window.Milliseconds(),
				}}},
			}}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "request_count", Value: bson.D{{Key: "$cond", Value: bson.A{
				"$_reset",
				1,
				bson.D{{Key: "$min", Value: bson.A{
					bson.D{{Key: "$add", Value: bson.A{"$request_count", 1}}},
					limit + 1,
				}}},
			}}}},
			{Key: "window_start", Value: bson.D{{Key: "$cond", Value: bson.A{"$_reset", at, "$window_start"}}}},
		}}},
		{{Key: "$unset", Value: "_reset"}},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m rateLimitModel

	err := s.mdb.Collection(colRateLimits).
		FindOneAndUpdate(ctx, bson.M{"_id": subID.String()}, update, opts).
		Decode(&m)
	if err != nil {
		return ratelimit.Counter{}, fmt.Errorf("chainhook/mongo: take rate limit: %w", err)
	}

	return m.counter(subID), nil
}
