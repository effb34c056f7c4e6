package exchange

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the mongo collection accumulated rebalance amounts
// are stored in.
const Collection = "pending_rebalance"

// pendingDoc is one accumulator: how many sats of conversions have
// pushed the treasury off balance in one direction on one symbol,
// waiting to be large enough to trade.
type pendingDoc struct {
	Symbol    string    `bson:"symbol"`
	Direction string    `bson:"direction"`
	Sats      int64     `bson:"sats"`
	Updated   time.Time `bson:"updated"`
}

// Store persists the rebalance accumulators in mongo.
type Store struct {
	col *mongo.Collection
}

// NewStore returns an accumulator store on the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		col: db.Collection(Collection),
	}
}

// EnsureIndexes creates the accumulator key index.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "symbol", Value: 1},
			{Key: "direction", Value: 1},
		},
		Options: options.Index().SetUnique(true).
			SetName("symbol_direction_unique"),
	})

	return err
}

// Add accumulates sats onto the (symbol, direction) bucket and returns
// the new pending total.
func (s *Store) Add(ctx context.Context, symbol, direction string,
	sats int64) (int64, error) {

	var doc pendingDoc
	err := s.col.FindOneAndUpdate(
		ctx,
		bson.D{
			{Key: "symbol", Value: symbol},
			{Key: "direction", Value: direction},
		},
		bson.D{
			{Key: "$inc", Value: bson.D{
				{Key: "sats", Value: sats},
			}},
			{Key: "$set", Value: bson.D{
				{Key: "updated", Value: time.Now().UTC()},
			}},
		},
		options.FindOneAndUpdate().SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}

	return doc.Sats, nil
}

// Take removes executed sats from the bucket after a trade. The
// balance may go negative when a fill overshot the accumulator; the
// overshoot nets off against future conversions.
func (s *Store) Take(ctx context.Context, symbol, direction string,
	sats int64) error {

	_, err := s.Add(ctx, symbol, direction, -sats)

	return err
}

// Pending reads the accumulated sats for one bucket.
func (s *Store) Pending(ctx context.Context, symbol,
	direction string) (int64, error) {

	var doc pendingDoc
	err := s.col.FindOne(ctx, bson.D{
		{Key: "symbol", Value: symbol},
		{Key: "direction", Value: direction},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return doc.Sats, nil
}
