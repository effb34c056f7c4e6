package ops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/v4vapp/hivebridge/money"
)

// CollectionOps is the mongo collection every tracked operation is
// stored in, discriminated by op_type.
const CollectionOps = "ops"

// ErrOpNotFound is returned when a lookup matches no stored operation.
var ErrOpNotFound = errors.New("tracked op not found")

// bsonRegistry decodes Decimal128 amounts inside raw op documents.
var bsonRegistry = money.Registry()

// Store persists tracked operations in mongo. Saves are idempotent
// upserts keyed on group_id; loads decode the concrete type named by
// the stored op_type.
type Store struct {
	col *mongo.Collection
}

// NewStore returns an ops store on the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		col: db.Collection(CollectionOps),
	}
}

// EnsureIndexes creates the indexes the dispatcher and lookups rely
// on. The short_id index is not unique: an invoice and the payment
// settling it may share a hash prefix.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetName("group_id_unique"),
		},
		{
			Keys: bson.D{{Key: "cust_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "op_type", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "short_id", Value: 1}},
		},
	})

	return err
}

// Save upserts an operation by its group id. Saving the same op twice
// leaves a single document, so re-ingesting a block or replaying a
// stream absorbs its own duplicates.
func (s *Store) Save(ctx context.Context, op Op) error {
	meta := op.Common()
	if meta.GroupID == "" {
		return fmt.Errorf("op of type %v has no group id", meta.OpType)
	}

	_, err := s.col.ReplaceOne(
		ctx, bson.D{{Key: "group_id", Value: meta.GroupID}}, op,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return err
	}

	log.Debugf("Saved op %v (%v)", meta.GroupID, meta.OpType)

	return nil
}

// Load fetches the operation with the given group id, decoded to its
// concrete type.
func (s *Store) Load(ctx context.Context, groupID string) (Op, error) {
	raw, err := s.col.FindOne(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
	).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %v", ErrOpNotFound, groupID)
	}
	if err != nil {
		return nil, err
	}

	return DecodeOp(raw)
}

// LoadByShortID fetches the operation a memo-embedded short id refers
// to. When several ops share the prefix the oldest wins, matching how
// the id was handed out.
func (s *Store) LoadByShortID(ctx context.Context, shortID string) (Op,
	error) {

	raw, err := s.col.FindOne(
		ctx, bson.D{{Key: "short_id", Value: shortID}},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: short id %v", ErrOpNotFound,
			shortID)
	}
	if err != nil {
		return nil, err
	}

	return DecodeOp(raw)
}

// LoadPayment fetches the tracked payment with the given hex payment
// hash.
func (s *Store) LoadPayment(ctx context.Context, paymentHash string) (
	*Payment, error) {

	op, err := s.Load(ctx, PaymentGroupID(paymentHash))
	if err != nil {
		return nil, err
	}

	payment, ok := op.(*Payment)
	if !ok {
		return nil, fmt.Errorf("op %v is a %v, not a payment",
			op.Common().GroupID, op.Common().OpType)
	}

	return payment, nil
}

// LoadBlockMarker fetches the hive stream position marker. ErrOpNotFound
// means the stream has never run against this database.
func (s *Store) LoadBlockMarker(ctx context.Context) (*BlockMarker,
	error) {

	op, err := s.Load(ctx, BlockMarkerGroupID)
	if err != nil {
		return nil, err
	}

	marker, ok := op.(*BlockMarker)
	if !ok {
		return nil, fmt.Errorf("op %v is a %v, not a block marker",
			op.Common().GroupID, op.Common().OpType)
	}

	return marker, nil
}

// AddReply records a response sent for an operation. The push is
// guarded on the reply id so a re-run pipeline recording its own reply
// again is a no-op. Returns whether the reply was appended.
func (s *Store) AddReply(ctx context.Context, groupID string,
	reply Reply) (bool, error) {

	res, err := s.col.UpdateOne(
		ctx,
		bson.D{
			{Key: "group_id", Value: groupID},
			{Key: "replies.reply_id", Value: bson.D{
				{Key: "$ne", Value: reply.ReplyID},
			}},
		},
		bson.D{{Key: "$push", Value: bson.D{
			{Key: "replies", Value: reply},
		}}},
	)
	if err != nil {
		return false, err
	}

	if res.MatchedCount > 0 {
		log.Debugf("Recorded %v reply %v on op %v", reply.Type,
			reply.ReplyID, groupID)

		return true, nil
	}

	// No match means either the op is missing or the reply is already
	// recorded.
	count, err := s.col.CountDocuments(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
	)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %v", ErrOpNotFound, groupID)
	}

	return false, nil
}

// SetProcessed stamps the op as completed by a pipeline. The
// dispatcher skips ops that already carry a process time.
func (s *Store) SetProcessed(ctx context.Context, groupID string,
	at time.Time) error {

	res, err := s.col.UpdateOne(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "process_time", Value: at.UTC()},
		}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %v", ErrOpNotFound, groupID)
	}

	return nil
}

// LockOp flags the op as held by a running pipeline. The flag is
// bookkeeping only; change stream pipelines filter out updates that
// touch nothing else.
func (s *Store) LockOp(ctx context.Context, groupID string) error {
	_, err := s.col.UpdateOne(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "locked", Value: true},
		}}},
	)

	return err
}

// UnlockOp clears the pipeline hold flag.
func (s *Store) UnlockOp(ctx context.Context, groupID string) error {
	_, err := s.col.UpdateOne(
		ctx, bson.D{{Key: "group_id", Value: groupID}},
		bson.D{{Key: "$unset", Value: bson.D{
			{Key: "locked", Value: ""},
		}}},
	)

	return err
}

// DecodeOp unmarshals a stored document into the concrete type named
// by its op_type field.
func DecodeOp(raw bson.Raw) (Op, error) {
	typeVal, err := raw.LookupErr("op_type")
	if err != nil {
		return nil, fmt.Errorf("op document has no op_type: %w", err)
	}

	typeName, ok := typeVal.StringValueOK()
	if !ok {
		return nil, fmt.Errorf("op_type is %v, not a string",
			typeVal.Type)
	}

	opType, err := ParseType(typeName)
	if err != nil {
		return nil, err
	}

	op := newOp(opType)

	if err := bson.UnmarshalWithRegistry(bsonRegistry, raw, op); err != nil {
		return nil, fmt.Errorf("decode %v op: %w", opType, err)
	}

	return op, nil
}

// newOp returns a zero value of the concrete type for a discriminator.
func newOp(t Type) Op {
	switch t {
	case TypeTransfer:
		return &Transfer{}

	case TypeRecurrentTransfer:
		return &RecurrentTransfer{}

	case TypeFillRecurrentTransfer:
		return &FillRecurrentTransfer{}

	case TypeCustomJson:
		return &CustomJson{}

	case TypeLimitOrderCreate:
		return &LimitOrderCreate{}

	case TypeFillOrder:
		return &FillOrder{}

	case TypeAccountWitnessVote:
		return &AccountWitnessVote{}

	case TypeUpdateProposalVotes:
		return &UpdateProposalVotes{}

	case TypeProducerReward:
		return &ProducerReward{}

	case TypeProducerMissed:
		return &ProducerMissed{}

	case TypeAccountUpdate:
		return &AccountUpdate{}

	case TypeBlockMarker:
		return &BlockMarker{}

	case TypeInvoice:
		return &Invoice{}

	case TypePayment:
		return &Payment{}

	default:
		// ParseType already rejected unknown names.
		panic(fmt.Sprintf("no decoder for op type %v", t))
	}
}
