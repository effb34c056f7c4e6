package prices

import (
	"context"
	"errors"
	"time"

	"github.com/v4vapp/hivebridge/money"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionRates is the time series collection quotes are recorded to.
const CollectionRates = "rates_ts"

// DefaultNearestWindow bounds how far from the target time a stored
// quote may be and still answer a nearest lookup.
const DefaultNearestWindow = time.Hour

// ErrNoStoredQuote is returned when the rate store holds no quote
// within the lookup window.
var ErrNoStoredQuote = errors.New("no stored quote")

// rateDoc is the stored form of one quote. The fetch time is mirrored
// into the collection's time field and pair is the optional meta field
// lookups can filter on.
type rateDoc struct {
	money.Quote `bson:",inline"`

	Timestamp time.Time `bson:"timestamp"`
	Pair      string    `bson:"pair,omitempty"`
}

// Store records every refreshed quote to a mongo time series collection so
// that historical operations can be priced at the rate that applied when
// they happened.
type Store struct {
	db  *mongo.Database
	col *mongo.Collection
}

// NewStore returns a rate store on the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		db:  db,
		col: db.Collection(CollectionRates),
	}
}

// EnsureCollection creates the time series collection if it does not exist
// yet. Quotes are bucketed per minute on their fetch time.
func (s *Store) EnsureCollection(ctx context.Context) error {
	names, err := s.db.ListCollectionNames(
		ctx, bson.D{{Key: "name", Value: CollectionRates}},
	)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return nil
	}

	tsOpts := options.TimeSeries().
		SetTimeField("timestamp").
		SetMetaField("pair").
		SetGranularity("minutes")

	return s.db.CreateCollection(
		ctx, CollectionRates,
		options.CreateCollection().SetTimeSeriesOptions(tsOpts),
	)
}

// Put records a quote without pair metadata.
func (s *Store) Put(ctx context.Context, quote money.Quote) error {
	return s.PutPair(ctx, "", quote)
}

// PutPair records a quote under the given pair.
func (s *Store) PutPair(ctx context.Context, pair string,
	quote money.Quote) error {

	_, err := s.col.InsertOne(ctx, rateDoc{
		Quote:     quote,
		Timestamp: quote.FetchTime,
		Pair:      pair,
	})
	return err
}

// NearestQuery bounds a nearest quote lookup.
type NearestQuery struct {
	// Target is the time the quote should be closest to.
	Target time.Time

	// MaxWindow is how far from the target a quote may be. Zero
	// selects DefaultNearestWindow.
	MaxWindow time.Duration

	// Pair restricts the lookup to quotes recorded under that pair.
	// Empty matches every stored quote.
	Pair string
}

// Nearest returns the stored quote closest in time to the query target,
// searched on both sides of it with two index backed lookups. An exact
// tie resolves to the quote at or before the target.
func (s *Store) Nearest(ctx context.Context, q NearestQuery) (money.Quote,
	error) {

	window := q.MaxWindow
	if window == 0 {
		window = DefaultNearestWindow
	}

	beforeFilter := bson.D{{Key: "timestamp", Value: bson.D{
		{Key: "$lte", Value: q.Target},
		{Key: "$gte", Value: q.Target.Add(-window)},
	}}}
	afterFilter := bson.D{{Key: "timestamp", Value: bson.D{
		{Key: "$gte", Value: q.Target},
		{Key: "$lte", Value: q.Target.Add(window)},
	}}}

	if q.Pair != "" {
		pair := bson.E{Key: "pair", Value: q.Pair}
		beforeFilter = append(beforeFilter, pair)
		afterFilter = append(afterFilter, pair)
	}

	before, err := s.findOne(ctx, beforeFilter,
		bson.D{{Key: "timestamp", Value: -1}})
	if err != nil {
		return money.Quote{}, err
	}

	after, err := s.findOne(ctx, afterFilter,
		bson.D{{Key: "timestamp", Value: 1}})
	if err != nil {
		return money.Quote{}, err
	}

	nearest := pickNearest(before, after, q.Target)
	if nearest == nil {
		return money.Quote{}, ErrNoStoredQuote
	}

	return nearest.Quote, nil
}

// findOne runs one bounded lookup, mapping a missing document to nil.
func (s *Store) findOne(ctx context.Context, filter bson.D,
	sort bson.D) (*rateDoc, error) {

	var doc rateDoc
	err := s.col.FindOne(
		ctx, filter, options.FindOne().SetSort(sort),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &doc, nil
}

// pickNearest chooses between the latest quote at or before the target
// and the earliest at or after it, preferring the past side on a tie.
func pickNearest(before, after *rateDoc, target time.Time) *rateDoc {
	switch {
	case before == nil:
		return after

	case after == nil:
		return before
	}

	if target.Sub(before.Timestamp) <= after.Timestamp.Sub(target) {
		return before
	}

	return after
}
