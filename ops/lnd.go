package ops

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/v4vapp/hivebridge/money"
)

// Keysend TLV record types the bridge reads and writes. Outbound
// payments stamp the hive account and originating group id so that the
// payment stream can correlate a settled payment back to the op that
// triggered it.
const (
	// RecordPodcast carries a Podcasting 2.0 boostagram json blob.
	RecordPodcast uint64 = 7629169

	// RecordKeysendMessage carries a free-text message.
	RecordKeysendMessage uint64 = 34349334

	// RecordHiveAccount carries the hive account name a keysend is
	// for.
	RecordHiveAccount uint64 = 818818

	// RecordGroupID carries the group id of the operation that
	// initiated an outbound payment.
	RecordGroupID uint64 = 1818181818
)

// Boostagram is the Podcasting 2.0 payment metadata riding keysend
// record 7629169.
type Boostagram struct {
	Podcast    string `bson:"podcast,omitempty" json:"podcast,omitempty"`
	FeedID     int64  `bson:"feed_id,omitempty" json:"feedID,omitempty"`
	URL        string `bson:"url,omitempty" json:"url,omitempty"`
	GUID       string `bson:"guid,omitempty" json:"guid,omitempty"`
	Episode    string `bson:"episode,omitempty" json:"episode,omitempty"`
	ItemID     int64  `bson:"item_id,omitempty" json:"itemID,omitempty"`
	Timestamp  int64  `bson:"ts,omitempty" json:"ts,omitempty"`
	Action     string `bson:"action,omitempty" json:"action,omitempty"`
	AppName    string `bson:"app_name,omitempty" json:"app_name,omitempty"`
	AppVersion string `bson:"app_version,omitempty" json:"app_version,omitempty"`
	Message    string `bson:"message,omitempty" json:"message,omitempty"`
	SenderName string `bson:"sender_name,omitempty" json:"sender_name,omitempty"`
	SenderID   string `bson:"sender_id,omitempty" json:"sender_id,omitempty"`
	ValueMsat  int64  `bson:"value_msat,omitempty" json:"value_msat,omitempty"`
	TotalMsat  int64  `bson:"value_msat_total,omitempty" json:"value_msat_total,omitempty"`
}

// ActionType folds the boostagram action into the two classes the
// ledger distinguishes: streams, and everything else as boosts.
func (b *Boostagram) ActionType() string {
	if b.Action == "stream" {
		return "stream"
	}

	return "boost"
}

// CustomRecords holds the decoded TLV records of a keysend payment or
// invoice HTLC.
type CustomRecords struct {
	// GroupID is the group id of the op that initiated an outbound
	// payment, read back from record 1818181818.
	GroupID string `bson:"v4vapp_group_id,omitempty" json:"v4vapp_group_id,omitempty"`

	// HiveAccname is the hive account a keysend deposit credits.
	HiveAccname string `bson:"hive_accname,omitempty" json:"hive_accname,omitempty"`

	// KeysendMessage is the sender's free-text message.
	KeysendMessage string `bson:"keysend_message,omitempty" json:"keysend_message,omitempty"`

	// Podcast is the decoded boostagram, when record 7629169 parses.
	Podcast *Boostagram `bson:"podcast,omitempty" json:"podcast,omitempty"`
}

// IsZero reports whether no recognized record was present. Satisfying
// the zeroer check lets omitempty drop the field entirely, which the
// change stream correlation filters rely on.
func (c CustomRecords) IsZero() bool {
	return c.GroupID == "" && c.HiveAccname == "" &&
		c.KeysendMessage == "" && c.Podcast == nil
}

// DecodeCustomRecords extracts the records the bridge recognizes from
// a hop's TLV map. A boostagram that does not parse is dropped rather
// than failing the whole decode.
func DecodeCustomRecords(records map[uint64][]byte) CustomRecords {
	var decoded CustomRecords
	for key, value := range records {
		switch key {
		case RecordGroupID:
			decoded.GroupID = string(value)

		case RecordHiveAccount:
			decoded.HiveAccname = string(value)

		case RecordKeysendMessage:
			decoded.KeysendMessage = string(value)

		case RecordPodcast:
			var boost Boostagram
			if err := json.Unmarshal(value, &boost); err != nil {
				log.Warnf("Dropping unparseable boostagram "+
					"record: %v", err)
				continue
			}

			decoded.Podcast = &boost
		}
	}

	return decoded
}

// EncodeCustomRecords renders the records for an outbound keysend.
func EncodeCustomRecords(c CustomRecords) map[uint64][]byte {
	records := make(map[uint64][]byte)
	if c.GroupID != "" {
		records[RecordGroupID] = []byte(c.GroupID)
	}

	if c.HiveAccname != "" {
		records[RecordHiveAccount] = []byte(c.HiveAccname)
	}

	if c.KeysendMessage != "" {
		records[RecordKeysendMessage] = []byte(c.KeysendMessage)
	}

	return records
}

// InvoiceState mirrors the lnrpc invoice state names.
type InvoiceState string

const (
	InvoiceOpen     InvoiceState = "OPEN"
	InvoiceSettled  InvoiceState = "SETTLED"
	InvoiceCanceled InvoiceState = "CANCELED"
	InvoiceAccepted InvoiceState = "ACCEPTED"
)

// Invoice is an invoice on the bridge's node, tracked from creation
// through settlement or expiry.
type Invoice struct {
	Meta `bson:",inline"`

	// RHash is the hex payment hash. It doubles as the group id.
	RHash string `bson:"r_hash" json:"r_hash"`

	PaymentRequest string       `bson:"payment_request,omitempty" json:"payment_request,omitempty"`
	Memo           string       `bson:"memo,omitempty" json:"memo,omitempty"`
	ValueMsat      int64        `bson:"value_msat" json:"value_msat"`
	AmtPaidMsat    int64        `bson:"amt_paid_msat,omitempty" json:"amt_paid_msat,omitempty"`
	State          InvoiceState `bson:"state" json:"state"`
	CreationDate   time.Time    `bson:"creation_date" json:"creation_date"`
	SettleDate     time.Time    `bson:"settle_date,omitempty" json:"settle_date,omitempty"`

	// Expiry is the invoice lifetime in seconds from CreationDate.
	Expiry int64 `bson:"expiry,omitempty" json:"expiry,omitempty"`

	AddIndex    uint64 `bson:"add_index" json:"add_index"`
	SettleIndex uint64 `bson:"settle_index,omitempty" json:"settle_index,omitempty"`
	IsKeysend   bool   `bson:"is_keysend,omitempty" json:"is_keysend,omitempty"`

	// CustomRecords holds the decoded keysend TLVs from the first
	// accepted HTLC carrying any.
	CustomRecords CustomRecords `bson:"custom_records,omitempty" json:"custom_records,omitempty"`
}

// InvoiceFromProto converts an lnrpc invoice into the tracked form.
func InvoiceFromProto(inv *lnrpc.Invoice) *Invoice {
	hash := hex.EncodeToString(inv.RHash)

	tracked := &Invoice{
		Meta: Meta{
			GroupID:   hash,
			ShortID:   shortHash(hash),
			OpType:    TypeInvoice,
			Timestamp: time.Unix(inv.CreationDate, 0).UTC(),
		},
		RHash:          hash,
		PaymentRequest: inv.PaymentRequest,
		Memo:           inv.Memo,
		ValueMsat:      inv.ValueMsat,
		AmtPaidMsat:    inv.AmtPaidMsat,
		State:          InvoiceState(inv.State.String()),
		CreationDate:   time.Unix(inv.CreationDate, 0).UTC(),
		Expiry:         inv.Expiry,
		AddIndex:       inv.AddIndex,
		SettleIndex:    inv.SettleIndex,
		IsKeysend:      inv.IsKeysend,
	}

	if inv.SettleDate > 0 {
		tracked.SettleDate = time.Unix(inv.SettleDate, 0).UTC()
	}

	for _, htlc := range inv.Htlcs {
		if len(htlc.CustomRecords) == 0 {
			continue
		}

		tracked.CustomRecords = DecodeCustomRecords(htlc.CustomRecords)
		break
	}

	return tracked
}

// Settled reports whether the invoice has been paid.
func (i *Invoice) Settled() bool {
	return i.State == InvoiceSettled
}

// ExpiryTime is the instant the invoice stops being payable.
func (i *Invoice) ExpiryTime() time.Time {
	return i.CreationDate.Add(time.Duration(i.Expiry) * time.Second)
}

// ConvAmount returns the invoice amount for pricing: the paid amount
// once HTLCs have landed, the face value before. Keysend invoices have
// no face value at all.
func (i *Invoice) ConvAmount() (money.Amount, bool) {
	if i.AmtPaidMsat > 0 {
		return money.MsatsAmount(i.AmtPaidMsat), true
	}

	return money.MsatsAmount(i.ValueMsat), true
}

// LogLine renders the invoice for the logs.
func (i *Invoice) LogLine() string {
	state := "Valid  "
	if i.Settled() {
		state = "Settled"
	}

	return fmt.Sprintf("✅ %s invoice %d with memo %s %s sats", state,
		i.AddIndex, i.Memo, humanize.Comma(i.ValueMsat/1000))
}

// PaymentStatus mirrors the lnrpc payment status names.
type PaymentStatus string

const (
	PaymentUnknown   PaymentStatus = "UNKNOWN"
	PaymentInFlight  PaymentStatus = "IN_FLIGHT"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// paymentGroupPrefix distinguishes payment group ids from invoice
// group ids, which would otherwise collide in the shared collection
// when a payment settles one of the node's own invoices.
const paymentGroupPrefix = "pay-"

// PaymentGroupID is the group id of the payment with the given hex
// payment hash.
func PaymentGroupID(paymentHash string) string {
	return paymentGroupPrefix + paymentHash
}

// NodeAlias is one hop of a payment route. The alias is resolved from
// the graph after the payment is recorded.
type NodeAlias struct {
	PubKey string `bson:"pub_key" json:"pub_key"`
	Alias  string `bson:"alias,omitempty" json:"alias,omitempty"`
}

// Payment is an outbound payment from the bridge's node, tracked from
// first attempt through success or failure.
type Payment struct {
	Meta `bson:",inline"`

	// PaymentHash is the hex payment hash.
	PaymentHash string `bson:"payment_hash" json:"payment_hash"`

	Status         PaymentStatus `bson:"status" json:"status"`
	ValueMsat      int64         `bson:"value_msat" json:"value_msat"`
	FeeMsat        int64         `bson:"fee_msat,omitempty" json:"fee_msat,omitempty"`
	Preimage       string        `bson:"payment_preimage,omitempty" json:"payment_preimage,omitempty"`
	PaymentRequest string        `bson:"payment_request,omitempty" json:"payment_request,omitempty"`
	PaymentIndex   uint64        `bson:"payment_index,omitempty" json:"payment_index,omitempty"`
	FailureReason  string        `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	// Route lists the hops of the settling attempt, aliases resolved
	// after the fact.
	Route []NodeAlias `bson:"route,omitempty" json:"route,omitempty"`

	// CustomRecords holds the keysend TLVs stamped on the payment.
	CustomRecords CustomRecords `bson:"custom_records,omitempty" json:"custom_records,omitempty"`
}

// PaymentFromProto converts an lnrpc payment into the tracked form.
func PaymentFromProto(pmt *lnrpc.Payment) *Payment {
	created := time.Unix(0, pmt.CreationTimeNs).UTC()

	tracked := &Payment{
		Meta: Meta{
			GroupID:   PaymentGroupID(pmt.PaymentHash),
			ShortID:   shortHash(pmt.PaymentHash),
			OpType:    TypePayment,
			Timestamp: created,
		},
		PaymentHash:    pmt.PaymentHash,
		Status:         PaymentStatus(pmt.Status.String()),
		ValueMsat:      pmt.ValueMsat,
		FeeMsat:        pmt.FeeMsat,
		Preimage:       pmt.PaymentPreimage,
		PaymentRequest: pmt.PaymentRequest,
		PaymentIndex:   pmt.PaymentIndex,
	}

	if pmt.FailureReason != lnrpc.PaymentFailureReason_FAILURE_REASON_NONE {
		tracked.FailureReason = pmt.FailureReason.String()
	}

	// The settling attempt's route names the destination and carries
	// the TLV records. Fall back to the first attempt while the
	// payment is still in flight.
	attempt := settledAttempt(pmt.Htlcs)
	if attempt == nil && len(pmt.Htlcs) > 0 {
		attempt = pmt.Htlcs[0]
	}

	if attempt != nil && attempt.Route != nil {
		for _, hop := range attempt.Route.Hops {
			tracked.Route = append(tracked.Route, NodeAlias{
				PubKey: hop.PubKey,
			})

			if len(hop.CustomRecords) == 0 {
				continue
			}

			if tracked.CustomRecords.IsZero() {
				tracked.CustomRecords = DecodeCustomRecords(
					hop.CustomRecords,
				)
			}
		}
	}

	return tracked
}

// settledAttempt returns the successful HTLC attempt, if any.
func settledAttempt(htlcs []*lnrpc.HTLCAttempt) *lnrpc.HTLCAttempt {
	for _, htlc := range htlcs {
		if htlc.Status == lnrpc.HTLCAttempt_SUCCEEDED {
			return htlc
		}
	}

	return nil
}

// Succeeded reports whether the payment settled.
func (p *Payment) Succeeded() bool {
	return p.Status == PaymentSucceeded
}

// Terminal reports whether the payment has reached a final state.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentSucceeded || p.Status == PaymentFailed
}

// FeePPM is the fee in parts per million of the paid amount.
func (p *Payment) FeePPM() int64 {
	if p.FeeMsat == 0 || p.ValueMsat == 0 {
		return 0
	}

	return p.FeeMsat * 1_000_000 / p.ValueMsat
}

// ConvAmount returns the paid amount for pricing.
func (p *Payment) ConvAmount() (money.Amount, bool) {
	return money.MsatsAmount(p.ValueMsat), true
}

// Destination names the far end of the route. Wallets behind the big
// LSP nodes report no alias for the final hop, so the LSP name is
// mapped to its wallet product.
func (p *Payment) Destination() string {
	if len(p.Route) == 0 {
		return "Unknown"
	}

	if len(p.Route) == 1 {
		return p.Route[0].Alias
	}

	last := p.Route[len(p.Route)-1].Alias
	if last == "" || last == "Unknown" {
		switch p.Route[len(p.Route)-2].Alias {
		case "magnetron":
			return "Muun User"

		case "ACINQ":
			return "Phoenix User"
		}
	}

	if last == "" {
		return "Unknown"
	}

	return last
}

// LogLine renders the payment for the logs.
func (p *Payment) LogLine() string {
	return fmt.Sprintf("Payment %s (%s) - %s sat - %s sat fee",
		shortHash(p.PaymentHash), p.Status,
		humanize.Comma(p.ValueMsat/1000),
		humanize.Comma(p.FeeMsat/1000))
}
