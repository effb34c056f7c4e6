// Package bridge holds the conversion pipelines and the master
// dispatcher. Every tracked operation the supervisors pick up is handed
// to Dispatch, which serializes it behind its group and customer locks,
// routes it to the pipeline for its type, cuts the journal entries and
// sends the user their reply. Pipelines are deterministic: the same
// operation always produces the same entry group ids, so a replayed
// event is absorbed by the ledger's upserts.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"

	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/lnurl"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
	"github.com/v4vapp/hivebridge/pending"
)

const (
	// subKeepsats is the VSC Liability sub account msats are parked on
	// while a payment funded by them is in flight.
	subKeepsats = "keepsats"

	// subToKeepsats and subFromKeepsats tag the treasury, offset, and
	// fee income sub accounts by conversion direction.
	subToKeepsats   = "to_keepsats"
	subFromKeepsats = "from_keepsats"

	// defaultSuspectAccount parks value received from bad actors.
	defaultSuspectAccount = "v4vapp.sus"

	// affordabilityBufferMsats is forgiven when checking whether an
	// inbound transfer covers an invoice plus fees, absorbing quote
	// movement between the user's wallet and the bridge.
	affordabilityBufferMsats = 5_000

	// keepsatsTransferBufferMsats is forgiven when checking a keepsats
	// transfer against the sender's balance.
	keepsatsTransferBufferMsats = 1_000
)

// ErrNotConfigured is returned by New when a required dependency is
// missing.
var ErrNotConfigured = errors.New("bridge dependency not configured")

// OpStore is the slice of the ops store the pipelines use.
type OpStore interface {
	Save(ctx context.Context, op ops.Op) error
	Load(ctx context.Context, groupID string) (ops.Op, error)
	LoadByShortID(ctx context.Context, shortID string) (ops.Op, error)
	AddReply(ctx context.Context, groupID string, reply ops.Reply) (
		bool, error)
	SetProcessed(ctx context.Context, groupID string, at time.Time) error
}

// LedgerStore is the slice of the ledger store the pipelines use.
type LedgerStore interface {
	Save(ctx context.Context, entry *ledger.Entry) error
	FindEntries(ctx context.Context, filter ledger.EntryFilter) (
		[]*ledger.Entry, error)
	GetEntry(ctx context.Context, groupID string) (*ledger.Entry, error)
}

// BalanceSource reads closing balances off the ledger.
type BalanceSource interface {
	KeepsatsBalance(ctx context.Context, custID string) (int64,
		*ledger.AccountBalance, error)
	AccountBalance(ctx context.Context, account ledger.Account,
		asOf time.Time, age time.Duration) (*ledger.AccountBalance,
		error)
}

// LimitSource checks conversion requests against the rolling caps.
type LimitSource interface {
	CheckConversionLimits(ctx context.Context, custID string,
		requestedSats int64) (*ledger.LimitCheckResult, error)
}

// Locker serializes pipelines per id.
type Locker interface {
	WithLock(ctx context.Context, id string,
		fn func(context.Context) error) error
}

// Chain is the hive surface replies go out on.
type Chain interface {
	SendTransfer(ctx context.Context, from, to string,
		amount money.Amount, memo string) (*hive.BroadcastResult, error)
	SendCustomJson(ctx context.Context, id string, requiredAuths,
		requiredPostingAuths []string, payload interface{}) (
		*hive.BroadcastResult, error)
}

// Lightning is the LND surface the payment pipelines use.
type Lightning interface {
	DecodePayReq(ctx context.Context, payReq string) (*lnrpc.PayReq,
		error)
	SendPayment(ctx context.Context, req lndwrap.SendRequest) (
		*lnrpc.Payment, error)
}

// PayResolver turns lightning addresses and lnurls into invoices.
type PayResolver interface {
	PayParams(ctx context.Context, anything string) (*lnurl.PayParams,
		error)
	FetchInvoice(ctx context.Context, params *lnurl.PayParams,
		amountMsat int64, comment string) (string, error)
}

// Queue is the durable reply queue for broadcasts that could not go
// out.
type Queue interface {
	SaveTransfer(ctx context.Context, transfer *pending.Transfer) error
	SaveCustomJson(ctx context.Context,
		customJson *pending.CustomJson) error
}

// BadActorList answers whether an account is on the bad actor list.
type BadActorList interface {
	IsBadActor(ctx context.Context, account string) bool
}

// RebalanceDirection names which way a conversion pushed the treasury
// off balance, in the exchange's base/quote terms with HIVE as base.
type RebalanceDirection string

const (
	// SellBaseForQuote: conversions brought hive in and paid sats out,
	// the treasury sells HIVE to buy the sats back.
	SellBaseForQuote RebalanceDirection = "SELL_BASE_FOR_QUOTE"

	// BuyBaseWithQuote: conversions brought sats in and paid hive out,
	// the treasury buys HIVE with sats.
	BuyBaseWithQuote RebalanceDirection = "BUY_BASE_WITH_QUOTE"
)

// Rebalancer accumulates the exchange trades conversions call for.
type Rebalancer interface {
	Enqueue(ctx context.Context, direction RebalanceDirection,
		sats int64) error
}

// Config holds the dependencies and identity of the bridge.
type Config struct {
	Ops      OpStore
	Ledger   LedgerStore
	Balances BalanceSource
	Limits   LimitSource
	Locks    Locker

	Chain     Chain
	Lightning Lightning
	Lnurl     PayResolver
	Quotes    ops.QuoteSource
	Pending   Queue
	BadActors BadActorList

	// Rebalancer is optional; without it conversions run unhedged.
	Rebalancer Rebalancer

	Fees money.FeeSchedule

	// ServerAccount receives customer transfers and signs replies.
	ServerAccount string

	// TreasuryAccount and FundingAccount are the operator's cold and
	// capital accounts; transfers between them and the server are
	// booked as internal movements.
	TreasuryAccount string
	FundingAccount  string

	// ExchangeAccounts are the deposit accounts of the exchanges the
	// treasury rebalances through.
	ExchangeAccounts []string

	// NodeName is the sub account external lightning movements are
	// booked against.
	NodeName string

	// SuspectAccount parks value received from bad actors. Empty
	// selects the default.
	SuspectAccount string

	// TinySats forces replies at or under this many sats onto the
	// custom_json channel instead of a dust transfer.
	TinySats int64
}

// Bridge runs the conversion pipelines.
type Bridge struct {
	cfg Config
}

// New validates the configuration and returns a bridge.
func New(cfg *Config) (*Bridge, error) {
	switch {
	case cfg.Ops == nil, cfg.Ledger == nil, cfg.Balances == nil,
		cfg.Locks == nil, cfg.Chain == nil, cfg.Quotes == nil,
		cfg.Pending == nil:

		return nil, ErrNotConfigured

	case cfg.ServerAccount == "":
		return nil, ErrNotConfigured
	}

	bridge := &Bridge{cfg: *cfg}
	if bridge.cfg.SuspectAccount == "" {
		bridge.cfg.SuspectAccount = defaultSuspectAccount
	}

	return bridge, nil
}

// priceOp fills in the op's conversion snapshot when it is missing or
// stale. Every ledger row cut from the op reuses this snapshot.
func (b *Bridge) priceOp(ctx context.Context, op ops.Op) error {
	if !op.Common().Conv.IsZero() {
		return nil
	}

	return ops.UpdateConv(ctx, op, b.cfg.Quotes)
}

// quoteFor is the quote in force at the op's timestamp, used to price
// amounts the op's own snapshot does not cover.
func (b *Bridge) quoteFor(ctx context.Context, op ops.Op) (money.Quote,
	error) {

	return b.cfg.Quotes.QuoteAt(ctx, op.Common().Timestamp)
}

// isBadActor is a nil-safe bad actor check.
func (b *Bridge) isBadActor(ctx context.Context, account string) bool {
	if b.cfg.BadActors == nil {
		return false
	}

	return b.cfg.BadActors.IsBadActor(ctx, account)
}

// enqueueRebalance is a nil-safe rebalance hand-off.
func (b *Bridge) enqueueRebalance(ctx context.Context,
	direction RebalanceDirection, sats int64) {

	if b.cfg.Rebalancer == nil || sats <= 0 {
		return
	}

	if err := b.cfg.Rebalancer.Enqueue(ctx, direction, sats); err != nil {
		log.Errorf("Could not enqueue %v rebalance of %v sats: %v",
			direction, sats, err)
	}
}

// Account helpers. Every pipeline books against the same small chart,
// so the construction is centralized here.

func (b *Bridge) customerDeposits() ledger.Account {
	return ledger.NewAsset("Customer Deposits Hive", b.cfg.ServerAccount)
}

func (b *Bridge) treasuryHive() ledger.Account {
	return ledger.NewAsset("Treasury Hive", b.cfg.TreasuryAccount)
}

func (b *Bridge) treasuryLightning(sub string) ledger.Account {
	return ledger.NewAsset("Treasury Lightning", sub)
}

func (b *Bridge) escrowHive() ledger.Account {
	return ledger.NewAsset("Escrow Hive", b.cfg.ServerAccount)
}

func (b *Bridge) exchangeDeposits(account string) ledger.Account {
	return ledger.NewAsset("Exchange Deposits Hive", account)
}

func (b *Bridge) convertedHiveOffset() ledger.Account {
	return ledger.NewContraAsset("Converted Hive Offset",
		b.cfg.ServerAccount)
}

func (b *Bridge) keepsatsOffset(sub string) ledger.Account {
	return ledger.NewContraAsset("Converted Keepsats Offset", sub)
}

func (b *Bridge) keepsatsMovements() ledger.Account {
	return ledger.NewAsset("Keepsats Lightning Movements",
		b.cfg.NodeName)
}

func (b *Bridge) externalLightning() ledger.Account {
	return ledger.NewContraAsset("External Lightning Payments",
		b.cfg.NodeName)
}

func (b *Bridge) customerLiability(cust string) ledger.Account {
	return ledger.NewLiability("Customer Liability", cust)
}

func (b *Bridge) vscLiability(sub string) ledger.Account {
	return ledger.NewLiability("VSC Liability", sub)
}

func (b *Bridge) ownerLoan() ledger.Account {
	return ledger.NewLiability("Owner Loan Payable (funding)",
		b.cfg.FundingAccount)
}

func (b *Bridge) feeIncomeKeepsats(sub string) ledger.Account {
	return ledger.NewRevenue("Fee Income Keepsats", sub)
}

func (b *Bridge) feeExpensesLightning() ledger.Account {
	return ledger.NewExpense("Fee Expenses Lightning", b.cfg.NodeName)
}

// isExchangeAccount reports whether the account is one of the
// configured exchange deposit accounts.
func (b *Bridge) isExchangeAccount(account string) bool {
	for _, name := range b.cfg.ExchangeAccounts {
		if name == account {
			return true
		}
	}

	return false
}
