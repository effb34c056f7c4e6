package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionLedger is the mongo collection journal entries are stored in.
const CollectionLedger = "ledger"

// ErrEntryNotFound is returned when a lookup matches no journal entry.
var ErrEntryNotFound = errors.New("ledger entry not found")

// Store persists journal entries in mongo. Saves are idempotent upserts
// keyed on group_id, so pipelines that re-process an operation absorb
// their own duplicates. An optional balance cache is invalidated for the
// two accounts an entry touches on every write.
type Store struct {
	col   *mongo.Collection
	cache *Cache
}

// NewStore returns a ledger store on the given database.
func NewStore(db *mongo.Database, cache *Cache) *Store {
	return &Store{
		col:   db.Collection(CollectionLedger),
		cache: cache,
	}
}

// EnsureIndexes creates the indexes the balance queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetName("group_id_unique"),
		},
		{
			Keys: bson.D{
				{Key: "cust_id", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "ledger_type", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "debit.name", Value: 1},
				{Key: "debit.sub", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "credit.name", Value: 1},
				{Key: "credit.sub", Value: 1},
			},
		},
	})

	return err
}

// Save validates and upserts an entry by its group id. Saving the same
// entry twice leaves a single document. The balance cache entries for
// the two accounts touched are dropped so the next balance read sees
// the write.
func (s *Store) Save(ctx context.Context, entry *Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	_, err := s.col.ReplaceOne(
		ctx, bson.D{{Key: "group_id", Value: entry.GroupID}}, entry,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return err
	}

	log.Debugf("Saved ledger entry %v (%v)", entry.GroupID,
		entry.Type.Name())

	if s.cache != nil {
		s.cache.InvalidateAccounts(ctx, entry.Debit, entry.Credit)
	}

	return nil
}

// EntryFilter restricts a journal query. Zero-valued fields do not
// filter. AsOf bounds the range from above inclusively; with Age set the
// range becomes [AsOf-Age, AsOf], both ends inclusive, so an entry
// exactly on the window edge counts against the older window.
type EntryFilter struct {
	// Account matches entries where either side is this account,
	// comparing name, and sub when set.
	Account *Account

	CustID  string
	Types   []EntryType
	GroupID string

	// GroupIDPrefix matches every entry of one business operation.
	GroupIDPrefix string

	ShortID string

	AsOf time.Time
	Age  time.Duration
}

// query renders the filter as a mongo query document.
func (f EntryFilter) query() bson.D {
	query := bson.D{}

	asOf := f.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	timeRange := bson.D{{Key: "$lte", Value: asOf}}
	if f.Age > 0 {
		timeRange = append(timeRange, bson.E{
			Key: "$gte", Value: asOf.Add(-f.Age),
		})
	}
	query = append(query, bson.E{Key: "timestamp", Value: timeRange})

	if f.Account != nil {
		debitSide := bson.D{
			{Key: "debit.name", Value: f.Account.Name},
		}
		creditSide := bson.D{
			{Key: "credit.name", Value: f.Account.Name},
		}

		// An empty sub matches every sub account.
		if f.Account.Sub != "" {
			debitSide = append(debitSide, bson.E{
				Key: "debit.sub", Value: f.Account.Sub,
			})
			creditSide = append(creditSide, bson.E{
				Key: "credit.sub", Value: f.Account.Sub,
			})
		}

		query = append(query, bson.E{
			Key: "$or", Value: bson.A{debitSide, creditSide},
		})
	}

	if f.CustID != "" {
		query = append(query, bson.E{
			Key: "cust_id", Value: f.CustID,
		})
	}

	switch len(f.Types) {
	case 0:

	case 1:
		query = append(query, bson.E{
			Key: "ledger_type", Value: f.Types[0],
		})

	default:
		query = append(query, bson.E{
			Key: "ledger_type", Value: bson.D{{
				Key: "$in", Value: f.Types,
			}},
		})
	}

	if f.GroupID != "" {
		query = append(query, bson.E{
			Key: "group_id", Value: f.GroupID,
		})
	}

	if f.GroupIDPrefix != "" {
		query = append(query, bson.E{
			Key: "group_id", Value: bson.D{{
				Key: "$regex",
				Value: "^" + regexQuoteMeta(f.GroupIDPrefix),
			}},
		})
	}

	if f.ShortID != "" {
		query = append(query, bson.E{
			Key: "short_id", Value: f.ShortID,
		})
	}

	return query
}

// regexQuoteMeta escapes regex metacharacters in a group id prefix.
// Group ids are built from block numbers and trx ids, and trx ids come
// from external systems.
func regexQuoteMeta(s string) string {
	special := `\.+*?()|[]{}^$`

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(special); j++ {
			if s[i] == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, s[i])
	}

	return string(out)
}

// FindEntries returns the entries matching the filter, ordered by
// timestamp ascending.
func (s *Store) FindEntries(ctx context.Context, filter EntryFilter) (
	[]*Entry, error) {

	cursor, err := s.col.Find(
		ctx, filter.query(),
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	for cursor.Next(ctx) {
		var entry Entry
		if err := cursor.Decode(&entry); err != nil {
			log.Errorf("Could not decode ledger entry: %v", err)
			continue
		}

		entries = append(entries, &entry)
	}

	return entries, cursor.Err()
}

// GetEntry returns the single entry with the given group id.
func (s *Store) GetEntry(ctx context.Context, groupID string) (*Entry,
	error) {

	var entry Entry
	err := s.col.FindOne(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
	).Decode(&entry)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, ErrEntryNotFound

	case err != nil:
		return nil, err
	}

	return &entry, nil
}

// ListAccounts returns every distinct account that appears on either
// side of any journal entry, ordered by type, name and sub.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	sideDoc := func(side string) bson.D {
		return bson.D{
			{Key: "account_type", Value: "$" + side + ".account_type"},
			{Key: "name", Value: "$" + side + ".name"},
			{Key: "sub", Value: "$" + side + ".sub"},
			{Key: "contra", Value: "$" + side + ".contra"},
		}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.D{{
			Key: "accounts", Value: bson.A{
				sideDoc("debit"), sideDoc("credit"),
			},
		}}}},
		{{Key: "$unwind", Value: "$accounts"}},
		{{Key: "$group", Value: bson.D{{
			Key: "_id", Value: "$accounts",
		}}}},
		{{Key: "$replaceRoot", Value: bson.D{{
			Key: "newRoot", Value: "$_id",
		}}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "account_type", Value: 1},
			{Key: "name", Value: 1},
			{Key: "sub", Value: 1},
		}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var accounts []Account
	for cursor.Next(ctx) {
		var account Account
		if err := cursor.Decode(&account); err != nil {
			return nil, err
		}

		accounts = append(accounts, account)
	}

	return accounts, cursor.Err()
}

// ConvTotals sums the conversion snapshots on both sides of a set of
// entries. Oldest is the earliest timestamp among the matched entries,
// which rolling window checks use to predict when pressure on a cap
// falls away.
type ConvTotals struct {
	Debit  ConvertedSummary
	Credit ConvertedSummary
	Count  int64
	Oldest time.Time
}

// SumConv aggregates the conversion totals of every entry matching the
// filter in a single pipeline.
func (s *Store) SumConv(ctx context.Context, filter EntryFilter) (
	*ConvTotals, error) {

	sum := func(path string) bson.D {
		return bson.D{{Key: "$sum", Value: "$" + path}}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter.query()}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "debit_hive", Value: sum("debit_conv.hive")},
			{Key: "debit_hbd", Value: sum("debit_conv.hbd")},
			{Key: "debit_usd", Value: sum("debit_conv.usd")},
			{Key: "debit_sats", Value: sum("debit_conv.sats")},
			{Key: "debit_msats", Value: sum("debit_conv.msats")},
			{Key: "credit_hive", Value: sum("credit_conv.hive")},
			{Key: "credit_hbd", Value: sum("credit_conv.hbd")},
			{Key: "credit_usd", Value: sum("credit_conv.usd")},
			{Key: "credit_sats", Value: sum("credit_conv.sats")},
			{Key: "credit_msats",
				Value: sum("credit_conv.msats")},
			{Key: "count", Value: bson.D{{
				Key: "$sum", Value: 1,
			}}},
			{Key: "oldest", Value: bson.D{{
				Key: "$min", Value: "$timestamp",
			}}},
		}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	totals := &ConvTotals{}
	if cursor.Next(ctx) {
		var row struct {
			DebitHive   decimal.Decimal `bson:"debit_hive"`
			DebitHBD    decimal.Decimal `bson:"debit_hbd"`
			DebitUSD    decimal.Decimal `bson:"debit_usd"`
			DebitSats   decimal.Decimal `bson:"debit_sats"`
			DebitMsats  decimal.Decimal `bson:"debit_msats"`
			CreditHive  decimal.Decimal `bson:"credit_hive"`
			CreditHBD   decimal.Decimal `bson:"credit_hbd"`
			CreditUSD   decimal.Decimal `bson:"credit_usd"`
			CreditSats  decimal.Decimal `bson:"credit_sats"`
			CreditMsats decimal.Decimal `bson:"credit_msats"`
			Count       int64           `bson:"count"`
			Oldest      time.Time       `bson:"oldest"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}

		totals.Debit = ConvertedSummary{
			Hive:  row.DebitHive,
			HBD:   row.DebitHBD,
			USD:   row.DebitUSD,
			Sats:  row.DebitSats,
			MSats: row.DebitMsats,
		}
		totals.Credit = ConvertedSummary{
			Hive:  row.CreditHive,
			HBD:   row.CreditHBD,
			USD:   row.CreditUSD,
			Sats:  row.CreditSats,
			MSats: row.CreditMsats,
		}
		totals.Count = row.Count
		totals.Oldest = row.Oldest
	}

	return totals, cursor.Err()
}

// HeldTotal reports the held millisatoshis of one customer: the sum of
// all holds, the sum of all releases and the outstanding difference.
type HeldTotal struct {
	CustID  string `bson:"_id"`
	Hold    int64  `bson:"hold_msats"`
	Release int64  `bson:"release_msats"`
}

// Net is the still outstanding held amount.
func (h HeldTotal) Net() int64 {
	return h.Hold - h.Release
}

// HeldTotals aggregates hold and release entries per customer. An empty
// custID covers every customer; results are ordered by customer id.
func (s *Store) HeldTotals(ctx context.Context, custID string) (
	[]HeldTotal, error) {

	sumWhenType := func(entryType EntryType) bson.D {
		return bson.D{{Key: "$sum", Value: bson.D{{
			Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{
					"$ledger_type", entryType,
				}}},
				"$credit_conv.msats",
				0,
			},
		}}}}
	}

	match := bson.D{{Key: "ledger_type", Value: bson.D{{
		Key: "$in",
		Value: bson.A{HoldKeepsats, ReleaseKeepsats},
	}}}}
	if custID != "" {
		match = append(match, bson.E{
			Key: "cust_id", Value: custID,
		})
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cust_id"},
			{Key: "hold_msats",
				Value: sumWhenType(HoldKeepsats)},
			{Key: "release_msats",
				Value: sumWhenType(ReleaseKeepsats)},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var totals []HeldTotal
	for cursor.Next(ctx) {
		var total HeldTotal
		if err := cursor.Decode(&total); err != nil {
			return nil, err
		}

		totals = append(totals, total)
	}

	return totals, cursor.Err()
}
