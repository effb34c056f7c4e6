package ops

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/money"
)

const (
	// explorerURL is the block explorer links point at.
	explorerURL = "https://hivehub.dev/"

	// explorerName labels markdown links.
	explorerName = "HiveHub"

	// VirtualTrxID is the all-zero trx id the chain reports for
	// virtual operations.
	VirtualTrxID = "0000000000000000000000000000000000000000"
)

// HiveRef locates an operation on the hive chain.
type HiveRef struct {
	TrxID    string `bson:"trx_id" json:"trx_id"`
	BlockNum int64  `bson:"block_num" json:"block_num"`
	OpInTrx  int    `bson:"op_in_trx,omitempty" json:"op_in_trx,omitempty"`
	TrxNum   int    `bson:"trx_num,omitempty" json:"trx_num,omitempty"`
}

// groupID composes the unique id of a hive operation. The block number
// leads so that two ops sharing a trx id in different blocks, as
// happens with recurring virtual ops, never collide.
func (r HiveRef) groupID() string {
	return fmt.Sprintf("%d-%s-%d", r.BlockNum, r.TrxID, r.OpInTrx)
}

// shortID returns the memo-embeddable id: a trx id prefix, with the op
// index appended when the op is not the first in its transaction.
func (r HiveRef) shortID() string {
	if r.OpInTrx > 0 {
		return fmt.Sprintf("%s_%d", shortHash(r.TrxID), r.OpInTrx)
	}

	return shortHash(r.TrxID)
}

// link renders the block explorer url for the operation.
func (r HiveRef) link(realm Realm) string {
	switch realm {
	case RealmVirtual:
		return fmt.Sprintf("%stx/%d/%s/%d", explorerURL, r.BlockNum,
			r.TrxID, r.OpInTrx)

	case RealmMarker:
		return fmt.Sprintf("MARKER: %s", r.TrxID)

	default:
		return fmt.Sprintf("%stx/%s", explorerURL, r.TrxID)
	}
}

// HiveOp is the common shape of every operation read off the hive
// block stream. Concrete op types embed it inline.
type HiveOp struct {
	Meta    `bson:",inline"`
	HiveRef `bson:",inline"`
}

// newHiveOp stamps the shared metadata for a hive chain op.
func newHiveOp(t Type, ref HiveRef, ts time.Time) HiveOp {
	return HiveOp{
		Meta: Meta{
			GroupID:   ref.groupID(),
			ShortID:   ref.shortID(),
			OpType:    t,
			Timestamp: ts.UTC(),
		},
		HiveRef: ref,
	}
}

// Link is the block explorer url for the operation.
func (h *HiveOp) Link() string {
	return h.HiveRef.link(h.OpType.Realm())
}

// MarkdownLink renders the explorer link for notification text.
func (h *HiveOp) MarkdownLink() string {
	if h.OpType.Realm() == RealmMarker {
		return h.Link()
	}

	return fmt.Sprintf("[%s](%s)", explorerName, h.Link())
}

// Transfer is a HIVE or HBD transfer between two accounts. The bridge
// acts on transfers addressed to the server account.
type Transfer struct {
	HiveOp `bson:",inline"`

	From   string       `bson:"from" json:"from"`
	To     string       `bson:"to" json:"to"`
	Amount money.Amount `bson:"amount" json:"amount"`
	Memo   string       `bson:"memo" json:"memo"`

	// DMemo is the decrypted memo when Memo was encrypted, otherwise
	// it repeats Memo. Pipelines always read DMemo.
	DMemo string `bson:"d_memo" json:"d_memo"`
}

// NewTransfer builds a tracked transfer op.
func NewTransfer(ref HiveRef, ts time.Time, from, to string,
	amount money.Amount, memo string) *Transfer {

	return &Transfer{
		HiveOp: newHiveOp(TypeTransfer, ref, ts),
		From:   from,
		To:     to,
		Amount: amount,
		Memo:   memo,
		DMemo:  memo,
	}
}

// LogLine renders the transfer for the logs.
func (t *Transfer) LogLine() string {
	return fmt.Sprintf("%-17s sent %14s to %-17s - %-30s %s %3d",
		t.From, t.Amount, t.To, clip(t.DMemo, 30), t.Link(), t.OpInTrx)
}

// ConvAmount returns the transferred amount for pricing.
func (t *Transfer) ConvAmount() (money.Amount, bool) {
	return t.Amount, true
}

// RecurrentTransfer is a user-scheduled repeating transfer.
type RecurrentTransfer struct {
	Transfer `bson:",inline"`

	// Recurrence is the hours between executions.
	Recurrence int `bson:"recurrence" json:"recurrence"`

	// Executions is how many times the transfer will run.
	Executions int `bson:"executions" json:"executions"`
}

// NewRecurrentTransfer builds a tracked recurrent transfer op.
func NewRecurrentTransfer(ref HiveRef, ts time.Time, from, to string,
	amount money.Amount, memo string, recurrence,
	executions int) *RecurrentTransfer {

	op := &RecurrentTransfer{
		Transfer:   *NewTransfer(ref, ts, from, to, amount, memo),
		Recurrence: recurrence,
		Executions: executions,
	}
	op.OpType = TypeRecurrentTransfer

	return op
}

// LogLine renders the recurrent transfer for the logs.
func (t *RecurrentTransfer) LogLine() string {
	return fmt.Sprintf("%-17s scheduled %14s to %-17s every %dh x%d %s",
		t.From, t.Amount, t.To, t.Recurrence, t.Executions, t.Link())
}

// FillRecurrentTransfer is the virtual op the chain emits each time a
// recurrent transfer executes.
type FillRecurrentTransfer struct {
	Transfer `bson:",inline"`

	RemainingExecutions int `bson:"remaining_executions" json:"remaining_executions"`
}

// NewFillRecurrentTransfer builds a tracked recurrent transfer
// execution.
func NewFillRecurrentTransfer(ref HiveRef, ts time.Time, from, to string,
	amount money.Amount, memo string,
	remaining int) *FillRecurrentTransfer {

	op := &FillRecurrentTransfer{
		Transfer:            *NewTransfer(ref, ts, from, to, amount, memo),
		RemainingExecutions: remaining,
	}
	op.OpType = TypeFillRecurrentTransfer

	return op
}

// LogLine renders the recurrent transfer execution for the logs.
func (t *FillRecurrentTransfer) LogLine() string {
	return fmt.Sprintf("%-17s sent %14s to %-17s (%d runs left) %s",
		t.From, t.Amount, t.To, t.RemainingExecutions, t.Link())
}

const (
	// CustomJsonPrefix marks the bridge's own custom_json ids.
	CustomJsonPrefix = "v4vapp"

	// KeepsatsTransferID is the custom_json id of a keepsats transfer:
	// sats moving between customer sub-accounts without touching the
	// chain's own token balances.
	KeepsatsTransferID = "v4vapp_transfer"

	// KeepsatsNotificationID is the custom_json id of the bridge's
	// own reply notifications.
	KeepsatsNotificationID = "v4vapp_notification"
)

// KeepsatsPayload is the json body of a keepsats transfer custom_json.
// An empty ToAccount means the memo carries a lightning destination.
type KeepsatsPayload struct {
	FromAccount string `bson:"from_account" json:"hive_accname_from"`
	ToAccount   string `bson:"to_account,omitempty" json:"hive_accname_to,omitempty"`
	Sats        int64  `bson:"sats" json:"sats"`
	Memo        string `bson:"memo,omitempty" json:"memo,omitempty"`
}

// LogLine renders the keepsats transfer for the logs.
func (k *KeepsatsPayload) LogLine() string {
	if k.ToAccount == "" {
		return fmt.Sprintf("⏩️%s sent %s sats via Keepsats to %s",
			k.FromAccount, humanize.Comma(k.Sats), k.Memo)
	}

	return fmt.Sprintf("⏩️%s sent %s sats to %s via KeepSats",
		k.FromAccount, humanize.Comma(k.Sats), k.ToAccount)
}

// CustomJson is a generic chain extension operation. Ops whose id
// carries the bridge prefix are decoded further; everything else is
// stored with its raw payload.
type CustomJson struct {
	HiveOp `bson:",inline"`

	// CJID is the application id of the custom_json.
	CJID string `bson:"cj_id" json:"id"`

	RequiredAuths        []string `bson:"required_auths,omitempty" json:"required_auths,omitempty"`
	RequiredPostingAuths []string `bson:"required_posting_auths,omitempty" json:"required_posting_auths,omitempty"`

	// JSON is the raw payload as broadcast.
	JSON string `bson:"json" json:"json"`

	// Keepsats is the decoded payload when CJID is a keepsats
	// transfer.
	Keepsats *KeepsatsPayload `bson:"keepsats,omitempty" json:"keepsats,omitempty"`
}

// NewCustomJson builds a tracked custom_json op, decoding the payload
// of bridge-prefixed ids. A malformed payload on a keepsats id is an
// error; the op cannot be acted on and must not be stored as valid.
func NewCustomJson(ref HiveRef, ts time.Time, cjID string,
	requiredAuths, requiredPostingAuths []string,
	payload string) (*CustomJson, error) {

	op := &CustomJson{
		HiveOp:               newHiveOp(TypeCustomJson, ref, ts),
		CJID:                 cjID,
		RequiredAuths:        requiredAuths,
		RequiredPostingAuths: requiredPostingAuths,
		JSON:                 payload,
	}

	if cjID == KeepsatsTransferID {
		var keepsats KeepsatsPayload
		err := json.Unmarshal([]byte(payload), &keepsats)
		if err != nil {
			return nil, fmt.Errorf("custom_json %v: decode %v "+
				"payload: %w", ref.groupID(), cjID, err)
		}

		op.Keepsats = &keepsats
	}

	return op, nil
}

// Recognized reports whether the custom_json id is one the bridge acts
// on.
func (c *CustomJson) Recognized() bool {
	return strings.HasPrefix(c.CJID, CustomJsonPrefix)
}

// LogLine renders the custom_json for the logs.
func (c *CustomJson) LogLine() string {
	if c.Keepsats != nil {
		return fmt.Sprintf("%s %s", c.Keepsats.LogLine(), c.Link())
	}

	return c.CJID
}

// ConvAmount returns the keepsats amount for pricing. Custom jsons
// without a keepsats payload carry nothing to price.
func (c *CustomJson) ConvAmount() (money.Amount, bool) {
	if c.Keepsats == nil {
		return money.Amount{}, false
	}

	return money.MsatsAmount(c.Keepsats.Sats * 1000), true
}

// LimitOrderCreate is an internal market order offering one of the
// chain's tokens for the other.
type LimitOrderCreate struct {
	HiveOp `bson:",inline"`

	Owner        string       `bson:"owner" json:"owner"`
	OrderID      int64        `bson:"orderid" json:"orderid"`
	AmountToSell money.Amount `bson:"amount_to_sell" json:"amount_to_sell"`
	MinToReceive money.Amount `bson:"min_to_receive" json:"min_to_receive"`
	FillOrKill   bool         `bson:"fill_or_kill,omitempty" json:"fill_or_kill,omitempty"`
	Expiration   time.Time    `bson:"expiration" json:"expiration"`
}

// NewLimitOrderCreate builds a tracked limit order op.
func NewLimitOrderCreate(ref HiveRef, ts time.Time, owner string,
	orderID int64, sell, receive money.Amount, fillOrKill bool,
	expiration time.Time) *LimitOrderCreate {

	return &LimitOrderCreate{
		HiveOp:       newHiveOp(TypeLimitOrderCreate, ref, ts),
		Owner:        owner,
		OrderID:      orderID,
		AmountToSell: sell,
		MinToReceive: receive,
		FillOrKill:   fillOrKill,
		Expiration:   expiration.UTC(),
	}
}

// Rate is the implied HBD per HIVE price of the order.
func (l *LimitOrderCreate) Rate() decimal.Decimal {
	return pairRate(l.AmountToSell, l.MinToReceive)
}

// LogLine renders the limit order for the logs.
func (l *LimitOrderCreate) LogLine() string {
	return fmt.Sprintf("📈%8s - %15s for %15s %s created order %d %s",
		l.Rate().StringFixed(3), l.AmountToSell, l.MinToReceive,
		l.Owner, l.OrderID, l.Link())
}

// FillOrder is the virtual op the chain emits when two internal market
// orders match.
type FillOrder struct {
	HiveOp `bson:",inline"`

	CurrentOwner   string       `bson:"current_owner" json:"current_owner"`
	CurrentOrderID int64        `bson:"current_orderid" json:"current_orderid"`
	CurrentPays    money.Amount `bson:"current_pays" json:"current_pays"`
	OpenOwner      string       `bson:"open_owner" json:"open_owner"`
	OpenOrderID    int64        `bson:"open_orderid" json:"open_orderid"`
	OpenPays       money.Amount `bson:"open_pays" json:"open_pays"`
}

// NewFillOrder builds a tracked order fill op.
func NewFillOrder(ref HiveRef, ts time.Time, currentOwner string,
	currentOrderID int64, currentPays money.Amount, openOwner string,
	openOrderID int64, openPays money.Amount) *FillOrder {

	return &FillOrder{
		HiveOp:         newHiveOp(TypeFillOrder, ref, ts),
		CurrentOwner:   currentOwner,
		CurrentOrderID: currentOrderID,
		CurrentPays:    currentPays,
		OpenOwner:      openOwner,
		OpenOrderID:    openOrderID,
		OpenPays:       openPays,
	}
}

// Rate is the implied HBD per HIVE price of the fill.
func (f *FillOrder) Rate() decimal.Decimal {
	return pairRate(f.CurrentPays, f.OpenPays)
}

// LogLine renders the order fill for the logs.
func (f *FillOrder) LogLine() string {
	return fmt.Sprintf("📈%8s - %15s --> %15s %s filled order for %s %s",
		f.Rate().StringFixed(3), f.CurrentPays, f.OpenPays,
		f.OpenOwner, f.CurrentOwner, f.Link())
}

// pairRate returns the HBD per HIVE price implied by an amount pair,
// whichever side carries the HIVE leg. A zero HIVE leg yields zero.
func pairRate(a, b money.Amount) decimal.Decimal {
	hive, hbd := a, b
	if hive.Unit != money.HIVE {
		hive, hbd = b, a
	}

	if hive.Value.IsZero() {
		return decimal.Zero
	}

	return hbd.Value.Div(hive.Value)
}

// AccountWitnessVote is a governance vote for a block producer.
type AccountWitnessVote struct {
	HiveOp `bson:",inline"`

	Account string `bson:"account" json:"account"`
	Witness string `bson:"witness" json:"witness"`
	Approve bool   `bson:"approve" json:"approve"`
}

// NewAccountWitnessVote builds a tracked witness vote op.
func NewAccountWitnessVote(ref HiveRef, ts time.Time, account,
	witness string, approve bool) *AccountWitnessVote {

	return &AccountWitnessVote{
		HiveOp:  newHiveOp(TypeAccountWitnessVote, ref, ts),
		Account: account,
		Witness: witness,
		Approve: approve,
	}
}

// LogLine renders the witness vote for the logs.
func (a *AccountWitnessVote) LogLine() string {
	action := "voted for"
	if !a.Approve {
		action = "unvoted"
	}

	return fmt.Sprintf("👁️ %s %s %s %s", a.Account, action, a.Witness,
		a.Link())
}

// UpdateProposalVotes is a governance vote on funding proposals.
type UpdateProposalVotes struct {
	HiveOp `bson:",inline"`

	Voter       string  `bson:"voter" json:"voter"`
	ProposalIDs []int64 `bson:"proposal_ids" json:"proposal_ids"`
	Approve     bool    `bson:"approve" json:"approve"`
}

// NewUpdateProposalVotes builds a tracked proposal vote op.
func NewUpdateProposalVotes(ref HiveRef, ts time.Time, voter string,
	proposalIDs []int64, approve bool) *UpdateProposalVotes {

	return &UpdateProposalVotes{
		HiveOp:      newHiveOp(TypeUpdateProposalVotes, ref, ts),
		Voter:       voter,
		ProposalIDs: proposalIDs,
		Approve:     approve,
	}
}

// LogLine renders the proposal vote for the logs.
func (u *UpdateProposalVotes) LogLine() string {
	action := "voted for"
	if !u.Approve {
		action = "unvoted"
	}

	return fmt.Sprintf("👁️ %s %s %v %s", u.Voter, action,
		u.ProposalIDs, u.Link())
}

// ProducerReward is the virtual op crediting a block producer with
// vesting shares.
type ProducerReward struct {
	HiveOp `bson:",inline"`

	Producer string `bson:"producer" json:"producer"`

	// VestingShares is the reward in VESTS.
	VestingShares decimal.Decimal `bson:"vesting_shares" json:"vesting_shares"`
}

// NewProducerReward builds a tracked producer reward op.
func NewProducerReward(ref HiveRef, ts time.Time, producer string,
	vestingShares decimal.Decimal) *ProducerReward {

	return &ProducerReward{
		HiveOp:        newHiveOp(TypeProducerReward, ref, ts),
		Producer:      producer,
		VestingShares: vestingShares,
	}
}

// LogLine renders the producer reward for the logs.
func (p *ProducerReward) LogLine() string {
	return fmt.Sprintf("%-17s rewarded %s VESTS %s", p.Producer,
		p.VestingShares.StringFixed(6), p.Link())
}

// ProducerMissed is the virtual op recording a producer missing its
// block slot.
type ProducerMissed struct {
	HiveOp `bson:",inline"`

	Producer string `bson:"producer" json:"producer"`

	// MissingKey is the signing key that failed to produce, when the
	// chain reports it.
	MissingKey string `bson:"missing_key,omitempty" json:"missing_key,omitempty"`
}

// NewProducerMissed builds a tracked missed block op.
func NewProducerMissed(ref HiveRef, ts time.Time, producer,
	missingKey string) *ProducerMissed {

	return &ProducerMissed{
		HiveOp:     newHiveOp(TypeProducerMissed, ref, ts),
		Producer:   producer,
		MissingKey: missingKey,
	}
}

// LogLine renders the missed block for the logs.
func (p *ProducerMissed) LogLine() string {
	line := fmt.Sprintf("%-17s Missed block %s", p.Producer,
		humanize.Comma(p.BlockNum))
	if p.MissingKey != "" {
		line += fmt.Sprintf(" | Key: %s", p.MissingKey)
	}

	return line
}

// AccountUpdate records an account changing its metadata. Watched
// accounts use it to publish lightning address mappings.
type AccountUpdate struct {
	HiveOp `bson:",inline"`

	Account             string `bson:"account" json:"account"`
	JSONMetadata        string `bson:"json_metadata,omitempty" json:"json_metadata,omitempty"`
	PostingJSONMetadata string `bson:"posting_json_metadata,omitempty" json:"posting_json_metadata,omitempty"`
}

// NewAccountUpdate builds a tracked account metadata update op.
func NewAccountUpdate(ref HiveRef, ts time.Time, account, jsonMetadata,
	postingJSONMetadata string) *AccountUpdate {

	return &AccountUpdate{
		HiveOp:              newHiveOp(TypeAccountUpdate, ref, ts),
		Account:             account,
		JSONMetadata:        jsonMetadata,
		PostingJSONMetadata: postingJSONMetadata,
	}
}

// LogLine renders the account update for the logs.
func (a *AccountUpdate) LogLine() string {
	return fmt.Sprintf("Account Update: %s updated metadata %s",
		a.Account, a.Link())
}

// BlockMarkerGroupID identifies the single stream-position document.
// Each save replaces the last so the collection never accumulates
// markers.
const BlockMarkerGroupID = "block_marker"

// BlockMarker is the synthetic op recording how far the hive block
// stream has been read. It is upserted on a cadence and read back on
// restart to resume the stream.
type BlockMarker struct {
	Meta `bson:",inline"`

	BlockNum int64 `bson:"block_num" json:"block_num"`
}

// NewBlockMarker builds the stream-position marker for a block.
func NewBlockMarker(blockNum int64, ts time.Time) *BlockMarker {
	return &BlockMarker{
		Meta: Meta{
			GroupID:   BlockMarkerGroupID,
			ShortID:   BlockMarkerGroupID,
			OpType:    TypeBlockMarker,
			Timestamp: ts.UTC(),
		},
		BlockNum: blockNum,
	}
}

// LogLine renders the marker for the logs.
func (b *BlockMarker) LogLine() string {
	return fmt.Sprintf("block marker %s %s", humanize.Comma(b.BlockNum),
		b.Timestamp.Format(time.RFC3339))
}
