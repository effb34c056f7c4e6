// Package pending is the durable queue of hive operations that could
// not broadcast, usually because the server account ran short of a
// currency or a node rejected the transaction. Entries wait in mongo
// until the resender finds the balance to send them. A unique key per
// entry makes enqueueing idempotent, so a pipeline that retries after
// a crash does not queue the same transfer twice.
package pending

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/v4vapp/hivebridge/money"
)

// Collection is the mongo collection pending operations are stored in.
const Collection = "pending"

// The discriminator values separating the two entry shapes sharing the
// collection.
const (
	typeTransfer   = "pending_transaction"
	typeCustomJson = "pending_custom_json"
)

// ErrAlreadyQueued is returned when an entry with the same unique key
// is already waiting.
var ErrAlreadyQueued = errors.New("operation already queued")

// base carries the queue bookkeeping every pending entry shares.
type base struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`

	// PendingType discriminates the entry shapes in the collection.
	PendingType string `bson:"pending_type"`

	// UniqueKey identifies the business operation that queued the
	// entry. A second enqueue under the same key is rejected.
	UniqueKey string `bson:"unique_key"`

	Timestamp time.Time `bson:"timestamp"`

	// ResendAttempt counts failed broadcast attempts.
	ResendAttempt int `bson:"resend_attempt"`

	// LastAttempt is when the last failed broadcast happened.
	LastAttempt time.Time `bson:"last_attempt,omitempty"`

	// NoBroadcast entries are logged and dequeued instead of hitting
	// the chain.
	NoBroadcast bool `bson:"nobroadcast"`
}

// Backoff after a failed attempt starts at resendBackoff and doubles
// per attempt up to resendBackoffCap.
const (
	resendBackoff    = time.Minute
	resendBackoffCap = time.Hour
)

// Due reports whether the entry's backoff has elapsed. A fresh entry
// is due immediately.
func (b *base) Due(now time.Time) bool {
	if b.ResendAttempt == 0 || b.LastAttempt.IsZero() {
		return true
	}

	wait := resendBackoff
	for i := 1; i < b.ResendAttempt && wait < resendBackoffCap; i++ {
		wait *= 2
	}
	if wait > resendBackoffCap {
		wait = resendBackoffCap
	}

	return !now.Before(b.LastAttempt.Add(wait))
}

// Transfer is a hive transfer waiting to broadcast.
type Transfer struct {
	base `bson:",inline"`

	FromAccount string       `bson:"from_account"`
	ToAccount   string       `bson:"to_account"`
	Amount      money.Amount `bson:"amount"`
	Memo        string       `bson:"memo"`
}

// NewTransfer queues a hive transfer under the given unique key.
func NewTransfer(uniqueKey, from, to string, amount money.Amount,
	memo string) *Transfer {

	return &Transfer{
		base: base{
			PendingType: typeTransfer,
			UniqueKey:   uniqueKey,
			Timestamp:   time.Now().UTC(),
		},
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		Memo:        memo,
	}
}

// String renders the transfer the way it appears in the logs.
func (t *Transfer) String() string {
	return t.FromAccount + " -> " + t.ToAccount + ", " +
		t.Amount.String() + ", " + t.Memo
}

// CustomJson is a custom_json operation waiting to broadcast. Unlike
// transfers these never wait on a balance.
type CustomJson struct {
	base `bson:",inline"`

	// SendAccount signs the operation with its active authority.
	SendAccount string `bson:"send_account"`

	// CJID is the application id of the custom_json.
	CJID string `bson:"cj_id"`

	// JSON is the payload as it will be broadcast.
	JSON string `bson:"json_data"`

	// Active entries are sent on the next pass, inactive ones are
	// parked.
	Active bool `bson:"active"`
}

// NewCustomJson queues a custom_json under the given unique key.
func NewCustomJson(uniqueKey, sendAccount, cjID,
	payload string) *CustomJson {

	return &CustomJson{
		base: base{
			PendingType: typeCustomJson,
			UniqueKey:   uniqueKey,
			Timestamp:   time.Now().UTC(),
		},
		SendAccount: sendAccount,
		CJID:        cjID,
		JSON:        payload,
		Active:      true,
	}
}

// String renders the custom_json the way it appears in the logs.
func (c *CustomJson) String() string {
	return c.CJID + " from " + c.SendAccount + " (" + c.UniqueKey + ")"
}

// Store persists pending operations in mongo.
type Store struct {
	col *mongo.Collection
}

// NewStore returns a pending queue store on the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		col: db.Collection(Collection),
	}
}

// EnsureIndexes creates the dedupe and scan indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "unique_key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetName("unique_key_unique"),
		},
		{
			Keys: bson.D{
				{Key: "pending_type", Value: 1},
				{Key: "amount.unit", Value: 1},
			},
		},
	})

	return err
}

// SaveTransfer queues a transfer. A transfer already queued under the
// same unique key returns ErrAlreadyQueued.
func (s *Store) SaveTransfer(ctx context.Context,
	transfer *Transfer) error {

	return s.insert(ctx, transfer, &transfer.base)
}

// SaveCustomJson queues a custom_json. An entry already queued under
// the same unique key returns ErrAlreadyQueued.
func (s *Store) SaveCustomJson(ctx context.Context,
	customJson *CustomJson) error {

	return s.insert(ctx, customJson, &customJson.base)
}

func (s *Store) insert(ctx context.Context, doc interface{},
	meta *base) error {

	result, err := s.col.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyQueued
	}
	if err != nil {
		return err
	}

	if id, ok := result.InsertedID.(primitive.ObjectID); ok {
		meta.ID = id
	}

	log.Debugf("Queued %v %v", meta.PendingType, meta.UniqueKey)

	return nil
}

// Transfers lists every queued transfer in insertion order.
func (s *Store) Transfers(ctx context.Context) ([]*Transfer, error) {
	cursor, err := s.col.Find(
		ctx, bson.D{{Key: "pending_type", Value: typeTransfer}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}

	var transfers []*Transfer
	if err := cursor.All(ctx, &transfers); err != nil {
		return nil, err
	}

	return transfers, nil
}

// CustomJsons lists every queued custom_json in insertion order.
func (s *Store) CustomJsons(ctx context.Context) ([]*CustomJson, error) {
	cursor, err := s.col.Find(
		ctx, bson.D{{Key: "pending_type", Value: typeCustomJson}},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}

	var customJsons []*CustomJson
	if err := cursor.All(ctx, &customJsons); err != nil {
		return nil, err
	}

	return customJsons, nil
}

// Delete removes a sent entry.
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})

	return err
}

// BumpResend records a failed broadcast attempt.
func (s *Store) BumpResend(ctx context.Context,
	id primitive.ObjectID) error {

	_, err := s.col.UpdateOne(
		ctx, bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$inc", Value: bson.D{
				{Key: "resend_attempt", Value: 1},
			}},
			{Key: "$set", Value: bson.D{
				{Key: "last_attempt", Value: time.Now().UTC()},
			}},
		},
	)

	return err
}

// Totals sums the queued transfers per currency. The sums tell the
// operator how much of the server balance is spoken for.
func (s *Store) Totals(ctx context.Context) (
	map[money.Currency]money.Amount, error) {

	transfers, err := s.Transfers(ctx)
	if err != nil {
		return nil, err
	}

	return Totals(transfers)
}

// Totals sums a list of transfers per currency.
func Totals(transfers []*Transfer) (map[money.Currency]money.Amount,
	error) {

	totals := make(map[money.Currency]money.Amount)
	for _, transfer := range transfers {
		total, ok := totals[transfer.Amount.Unit]
		if !ok {
			total = money.ZeroAmount(transfer.Amount.Unit)
		}

		total, err := total.Add(transfer.Amount)
		if err != nil {
			return nil, err
		}

		totals[transfer.Amount.Unit] = total
	}

	return totals, nil
}
