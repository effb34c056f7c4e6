// Package ops models the operations the bridge tracks: hive chain ops
// picked off the block stream, lightning invoices and payments from the
// node, and the synthetic block marker. Every operation shares the same
// metadata and is stored polymorphically in a single mongo collection,
// discriminated by its op_type.
package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/v4vapp/hivebridge/money"
)

// shortIDLen is how many characters of a trx id or payment hash are
// kept for the memo-embeddable short id.
const shortIDLen = 10

// Type discriminates the concrete operation held in a stored document.
type Type string

const (
	TypeTransfer              Type = "transfer"
	TypeRecurrentTransfer     Type = "recurrent_transfer"
	TypeFillRecurrentTransfer Type = "fill_recurrent_transfer"
	TypeCustomJson            Type = "custom_json"
	TypeLimitOrderCreate      Type = "limit_order_create"
	TypeFillOrder             Type = "fill_order"
	TypeAccountWitnessVote    Type = "account_witness_vote"
	TypeProducerReward        Type = "producer_reward"
	TypeProducerMissed        Type = "producer_missed"
	TypeUpdateProposalVotes   Type = "update_proposal_votes"
	TypeAccountUpdate         Type = "account_update2"

	// TypeBlockMarker is the synthetic op recording how far the block
	// stream has been read.
	TypeBlockMarker Type = "block_marker"

	TypeInvoice Type = "invoice"
	TypePayment Type = "payment"
)

// trackedTypes is the closed set of hive op types the ingestor keeps.
// Anything else seen on the block stream is discarded.
var trackedTypes = map[Type]struct{}{
	TypeTransfer:              {},
	TypeRecurrentTransfer:     {},
	TypeFillRecurrentTransfer: {},
	TypeCustomJson:            {},
	TypeLimitOrderCreate:      {},
	TypeFillOrder:             {},
	TypeAccountWitnessVote:    {},
	TypeProducerReward:        {},
	TypeProducerMissed:        {},
	TypeUpdateProposalVotes:   {},
	TypeAccountUpdate:         {},
}

// virtualTypes are emitted by the chain itself during block processing
// rather than signed by a user.
var virtualTypes = map[Type]struct{}{
	TypeFillRecurrentTransfer: {},
	TypeFillOrder:             {},
	TypeProducerReward:        {},
	TypeProducerMissed:        {},
}

// Tracked reports whether hive ops of this type are ingested from the
// block stream.
func (t Type) Tracked() bool {
	_, ok := trackedTypes[t]
	return ok
}

// String returns the wire name of the type.
func (t Type) String() string {
	return string(t)
}

// Realm classifies how an operation reached the bridge.
type Realm string

const (
	// RealmReal marks user-signed hive operations.
	RealmReal Realm = "real"

	// RealmVirtual marks operations the chain emits on its own during
	// block processing.
	RealmVirtual Realm = "virtual"

	// RealmMarker marks synthetic stream-position records.
	RealmMarker Realm = "marker"

	// RealmLightning marks operations observed on the LND node.
	RealmLightning Realm = "lightning"
)

// Realm returns the realm ops of this type belong to.
func (t Type) Realm() Realm {
	switch t {
	case TypeBlockMarker:
		return RealmMarker

	case TypeInvoice, TypePayment:
		return RealmLightning
	}

	if _, ok := virtualTypes[t]; ok {
		return RealmVirtual
	}

	return RealmReal
}

// ReplyType names the channel a reply to an operation went out on.
type ReplyType string

const (
	ReplyTransfer   ReplyType = "transfer"
	ReplyCustomJson ReplyType = "custom_json"
	ReplyPayment    ReplyType = "payment"
)

// Reply records one response the bridge sent for an operation: a
// confirmation transfer, a notification custom_json or a lightning
// payment.
type Reply struct {
	// ReplyID is the trx id or payment hash of the response.
	ReplyID string `bson:"reply_id" json:"reply_id"`

	Type ReplyType `bson:"reply_type" json:"reply_type"`

	Msat    int64  `bson:"reply_msat,omitempty" json:"reply_msat,omitempty"`
	Error   string `bson:"reply_error,omitempty" json:"reply_error,omitempty"`
	Message string `bson:"reply_message,omitempty" json:"reply_message,omitempty"`
}

// Meta carries the fields every tracked operation shares. Concrete
// operation types embed it inline so the fields sit at the top level of
// the stored document.
type Meta struct {
	// GroupID uniquely identifies the operation. Hive ops use their
	// block-trx-index coordinates, lightning ops their payment hash.
	GroupID string `bson:"group_id" json:"group_id"`

	// ShortID is a compact id embedded in memos so that a later
	// transfer can reference this operation.
	ShortID string `bson:"short_id" json:"short_id"`

	OpType    Type      `bson:"op_type" json:"op_type"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	CustID    string    `bson:"cust_id,omitempty" json:"cust_id,omitempty"`

	// Conv prices the operation when it is first processed. Every
	// ledger row cut from the operation reuses this snapshot so one
	// op never mixes rates.
	Conv money.Conv `bson:"conv,omitempty" json:"conv,omitempty"`

	// Replies lists every response sent for this operation.
	Replies []Reply `bson:"replies,omitempty" json:"replies,omitempty"`

	// Locked flags the operation as held by a running pipeline.
	Locked bool `bson:"locked,omitempty" json:"locked,omitempty"`

	// ProcessTime is set once a pipeline has finished the operation.
	// Re-dispatching a processed op is a no-op.
	ProcessTime time.Time `bson:"process_time,omitempty" json:"process_time,omitempty"`
}

// Common returns the shared metadata. Embedding Meta satisfies the Op
// interface's metadata accessor for every concrete type.
func (m *Meta) Common() *Meta {
	return m
}

// Processed reports whether a pipeline has already completed this
// operation.
func (m *Meta) Processed() bool {
	return !m.ProcessTime.IsZero()
}

// AddReply appends a reply, skipping ids already recorded so that a
// re-run pipeline does not double count its own responses.
func (m *Meta) AddReply(reply Reply) bool {
	for _, r := range m.Replies {
		if r.ReplyID == reply.ReplyID {
			return false
		}
	}

	m.Replies = append(m.Replies, reply)

	return true
}

// Age is how long ago the operation happened.
func (m *Meta) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// Op is a tracked operation of any concrete type.
type Op interface {
	// Common returns the metadata every operation carries.
	Common() *Meta

	// LogLine renders a single-line description for the logs.
	LogLine() string
}

// ErrUnknownOpType is returned when a stream event or stored document
// names an op type the bridge does not model.
var ErrUnknownOpType = fmt.Errorf("unknown op type")

// opTypes lists every type the store can decode.
var opTypes = map[Type]struct{}{
	TypeTransfer:              {},
	TypeRecurrentTransfer:     {},
	TypeFillRecurrentTransfer: {},
	TypeCustomJson:            {},
	TypeLimitOrderCreate:      {},
	TypeFillOrder:             {},
	TypeAccountWitnessVote:    {},
	TypeProducerReward:        {},
	TypeProducerMissed:        {},
	TypeUpdateProposalVotes:   {},
	TypeAccountUpdate:         {},
	TypeBlockMarker:           {},
	TypeInvoice:               {},
	TypePayment:               {},
}

// ParseType validates an op type name from a stream event or a stored
// document.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := opTypes[t]; !ok {
		return "", fmt.Errorf("%w: %v", ErrUnknownOpType, s)
	}

	return t, nil
}

// shortHash returns the memo-embeddable prefix of a hex hash or trx id.
func shortHash(hash string) string {
	if len(hash) <= shortIDLen {
		return hash
	}

	return hash[:shortIDLen]
}

// clip shortens a string for fixed-width log columns.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
