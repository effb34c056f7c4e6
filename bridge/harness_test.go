package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/lock"
	"github.com/v4vapp/hivebridge/lnurl"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
	"github.com/v4vapp/hivebridge/pending"
)

const (
	testServer   = "v4vapp"
	testTreasury = "v4vapp.tre"
	testFunding  = "brianoflondon"
	testExchange = "binance-hot"
	testNode     = "voltage"

	// testPayHash is a 64 character hex payment hash.
	testPayHash = "a3f1c4d9e8b2a3f1c4d9e8b2a3f1c4d9" +
		"e8b2a3f1c4d9e8b2a3f1c4d9e8b2a3f1"

	// testInvoice4k decodes to a 4,000 sat invoice, testInvoice6k to
	// 6,000 sats. The strings only need to classify as bolt11.
	testInvoice4k = "lnbc40u1p3xyz7sqpp5acde0932fmt3v5kjw3wsr" +
		"jrkrcqk6vkfmt3v5kjwq"
	testInvoice6k = "lnbc60u1p3xyz7sqpp5acde0932fmt3v5kjw3wsr" +
		"jrkrcqk6vkfmt3v5kjwq"
)

var testOpTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// testQuote pins 500 sats per HIVE and 2,000 sats per HBD so every
// expected amount in the pipeline tests is exact.
func testQuote(t *testing.T) money.Quote {
	t.Helper()

	quote, err := money.NewQuote(
		decimal.RequireFromString("0.25"),
		decimal.NewFromInt(1),
		decimal.NewFromInt(50_000),
		"test", testOpTime,
	)
	require.NoError(t, err)

	return quote
}

// fixedQuotes serves one quote for every instant.
type fixedQuotes struct {
	quote money.Quote
}

func (f fixedQuotes) QuoteAt(_ context.Context, _ time.Time) (money.Quote,
	error) {

	return f.quote, nil
}

// fakeOps is an in-memory ops store.
type fakeOps struct {
	mu     sync.Mutex
	stored map[string]ops.Op

	// replies records AddReply calls per group id.
	replies map[string][]ops.Reply
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		stored:  make(map[string]ops.Op),
		replies: make(map[string][]ops.Reply),
	}
}

func (f *fakeOps) Save(_ context.Context, op ops.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stored[op.Common().GroupID] = op

	return nil
}

func (f *fakeOps) Load(_ context.Context, groupID string) (ops.Op, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	op, ok := f.stored[groupID]
	if !ok {
		return nil, ops.ErrOpNotFound
	}

	return op, nil
}

func (f *fakeOps) LoadByShortID(_ context.Context, shortID string) (ops.Op,
	error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, op := range f.stored {
		if op.Common().ShortID == shortID {
			return op, nil
		}
	}

	return nil, ops.ErrOpNotFound
}

func (f *fakeOps) AddReply(_ context.Context, groupID string,
	reply ops.Reply) (bool, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.replies[groupID] = append(f.replies[groupID], reply)

	return true, nil
}

func (f *fakeOps) SetProcessed(_ context.Context, groupID string,
	at time.Time) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	if op, ok := f.stored[groupID]; ok {
		op.Common().ProcessTime = at
	}

	return nil
}

// fakeLedger is an in-memory journal keyed on entry group id, with the
// same upsert semantics as the mongo store.
type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]*ledger.Entry
	order   []string
	saveErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries: make(map[string]*ledger.Entry),
	}
}

func (f *fakeLedger) Save(_ context.Context, entry *ledger.Entry) error {
	if f.saveErr != nil {
		return f.saveErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[entry.GroupID]; !ok {
		f.order = append(f.order, entry.GroupID)
	}
	f.entries[entry.GroupID] = entry

	return nil
}

func (f *fakeLedger) FindEntries(_ context.Context,
	filter ledger.EntryFilter) ([]*ledger.Entry, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	var found []*ledger.Entry
	for _, groupID := range f.order {
		entry := f.entries[groupID]
		if filter.GroupIDPrefix != "" &&
			len(groupID) >= len(filter.GroupIDPrefix) &&
			groupID[:len(filter.GroupIDPrefix)] != filter.GroupIDPrefix {

			continue
		}

		found = append(found, entry)
	}

	return found, nil
}

func (f *fakeLedger) GetEntry(_ context.Context, groupID string) (
	*ledger.Entry, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[groupID]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}

	return entry, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.entries)
}

// fakeBalances serves canned balances: keepsats nets per customer and
// one liability figure per customer used by the reply clamp. Customers
// not listed in owed are owed plenty, so replies go out unclamped.
type fakeBalances struct {
	mu       sync.Mutex
	keepsats map[string]int64
	owed     map[string]decimal.Decimal
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{
		keepsats: make(map[string]int64),
		owed:     make(map[string]decimal.Decimal),
	}
}

func (f *fakeBalances) KeepsatsBalance(_ context.Context, custID string) (
	int64, *ledger.AccountBalance, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	net := f.keepsats[custID]

	return net, &ledger.AccountBalance{
		Account: ledger.NewLiability("VSC Liability", custID),
		Units: []*ledger.UnitBalance{{
			Unit:    money.Msats,
			Balance: decimal.NewFromInt(net),
		}},
	}, nil
}

func (f *fakeBalances) AccountBalance(_ context.Context,
	account ledger.Account, _ time.Time, _ time.Duration) (
	*ledger.AccountBalance, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	owed, ok := f.owed[account.Sub]
	if !ok {
		owed = decimal.NewFromInt(1_000_000)
	}

	return &ledger.AccountBalance{
		Account: account,
		Units: []*ledger.UnitBalance{
			{Unit: money.HIVE, Balance: owed},
			{Unit: money.HBD, Balance: owed},
		},
	}, nil
}

// fakeLimits serves one canned limit check result.
type fakeLimits struct {
	result *ledger.LimitCheckResult
}

func (f *fakeLimits) CheckConversionLimits(_ context.Context, _ string,
	_ int64) (*ledger.LimitCheckResult, error) {

	return f.result, nil
}

// fakeLocker runs callbacks inline, recording the lock order.
type fakeLocker struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeLocker) WithLock(ctx context.Context, id string,
	fn func(context.Context) error) error {

	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()

	return fn(ctx)
}

// contendedLocker fails acquisition of one id without running its
// callback, the way a lock held elsewhere times out. Every other id
// locks inline.
type contendedLocker struct {
	fakeLocker
	stuck string
}

func (c *contendedLocker) WithLock(ctx context.Context, id string,
	fn func(context.Context) error) error {

	if id == c.stuck {
		return fmt.Errorf("lock %v: %w", id, lock.ErrAcquireTimeout)
	}

	return c.fakeLocker.WithLock(ctx, id, fn)
}

// sentTransfer is one transfer broadcast through the fake chain.
type sentTransfer struct {
	from, to string
	amount   money.Amount
	memo     string
}

// sentJson is one custom_json broadcast through the fake chain.
type sentJson struct {
	id      string
	auths   []string
	payload ops.KeepsatsPayload
}

// fakeChain records broadcasts and mints sequential trx ids.
type fakeChain struct {
	mu        sync.Mutex
	transfers []sentTransfer
	jsons     []sentJson

	transferErr error
	jsonErr     error

	seq int
}

func (f *fakeChain) SendTransfer(_ context.Context, from, to string,
	amount money.Amount, memo string) (*hive.BroadcastResult, error) {

	if f.transferErr != nil {
		return nil, f.transferErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.transfers = append(f.transfers, sentTransfer{
		from:   from,
		to:     to,
		amount: amount,
		memo:   memo,
	})
	f.seq++

	return &hive.BroadcastResult{
		TrxID: fmt.Sprintf("trx-%06d", f.seq),
	}, nil
}

func (f *fakeChain) SendCustomJson(_ context.Context, id string,
	requiredAuths, _ []string, payload interface{}) (
	*hive.BroadcastResult, error) {

	if f.jsonErr != nil {
		return nil, f.jsonErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	keepsats, _ := payload.(ops.KeepsatsPayload)
	f.jsons = append(f.jsons, sentJson{
		id:      id,
		auths:   requiredAuths,
		payload: keepsats,
	})
	f.seq++

	return &hive.BroadcastResult{
		TrxID: fmt.Sprintf("trx-%06d", f.seq),
	}, nil
}

// fakeLightning serves canned decodes and one canned terminal payment.
type fakeLightning struct {
	mu       sync.Mutex
	decoded  map[string]*lnrpc.PayReq
	payment  *lnrpc.Payment
	sendErr  error
	requests []lndwrap.SendRequest
}

func newFakeLightning() *fakeLightning {
	return &fakeLightning{
		decoded: make(map[string]*lnrpc.PayReq),
	}
}

func (f *fakeLightning) DecodePayReq(_ context.Context, payReq string) (
	*lnrpc.PayReq, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	decoded, ok := f.decoded[payReq]
	if !ok {
		return nil, fmt.Errorf("checksum failed")
	}

	return decoded, nil
}

func (f *fakeLightning) SendPayment(_ context.Context,
	req lndwrap.SendRequest) (*lnrpc.Payment, error) {

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.sendErr != nil {
		return nil, f.sendErr
	}

	return f.payment, nil
}

// fakeResolver serves canned lnurl pay parameters and an invoice.
type fakeResolver struct {
	params  *lnurl.PayParams
	invoice string

	fetchedMsat []int64
}

func (f *fakeResolver) PayParams(_ context.Context, _ string) (
	*lnurl.PayParams, error) {

	if f.params == nil {
		return nil, fmt.Errorf("no pay params")
	}

	return f.params, nil
}

func (f *fakeResolver) FetchInvoice(_ context.Context, _ *lnurl.PayParams,
	amountMsat int64, _ string) (string, error) {

	f.fetchedMsat = append(f.fetchedMsat, amountMsat)

	return f.invoice, nil
}

// fakeQueue records queued pending broadcasts.
type fakeQueue struct {
	mu        sync.Mutex
	transfers []*pending.Transfer
	jsons     []*pending.CustomJson
}

func (f *fakeQueue) SaveTransfer(_ context.Context,
	transfer *pending.Transfer) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.transfers = append(f.transfers, transfer)

	return nil
}

func (f *fakeQueue) SaveCustomJson(_ context.Context,
	customJson *pending.CustomJson) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.jsons = append(f.jsons, customJson)

	return nil
}

// fakeBadActors flags the listed accounts.
type fakeBadActors struct {
	bad map[string]bool
}

func (f *fakeBadActors) IsBadActor(_ context.Context, account string) bool {
	return f.bad[account]
}

// rebalanceCall is one enqueue on the fake rebalancer.
type rebalanceCall struct {
	direction RebalanceDirection
	sats      int64
}

type fakeRebalance struct {
	mu    sync.Mutex
	calls []rebalanceCall
}

func (f *fakeRebalance) Enqueue(_ context.Context,
	direction RebalanceDirection, sats int64) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, rebalanceCall{
		direction: direction,
		sats:      sats,
	})

	return nil
}

// bridgeTest bundles a bridge wired onto fakes.
type bridgeTest struct {
	t *testing.T

	bridge   *Bridge
	opStore  *fakeOps
	journal  *fakeLedger
	balances *fakeBalances
	limits   *fakeLimits
	chain    *fakeChain
	ln       *fakeLightning
	resolver *fakeResolver
	queue    *fakeQueue
	actors   *fakeBadActors
	rebal    *fakeRebalance
	quote    money.Quote
}

// newBridgeTest wires a bridge onto in-memory fakes with a 1.5% total
// conversion fee (1.3% configured plus the margin spread), a 1% routing
// fee limit and a 2 sat dust threshold.
func newBridgeTest(t *testing.T) *bridgeTest {
	t.Helper()

	h := &bridgeTest{
		t:        t,
		opStore:  newFakeOps(),
		journal:  newFakeLedger(),
		balances: newFakeBalances(),
		limits:   &fakeLimits{},
		chain:    &fakeChain{},
		ln:       newFakeLightning(),
		resolver: &fakeResolver{},
		queue:    &fakeQueue{},
		actors:   &fakeBadActors{bad: make(map[string]bool)},
		rebal:    &fakeRebalance{},
		quote:    testQuote(t),
	}

	bridge, err := New(&Config{
		Ops:        h.opStore,
		Ledger:     h.journal,
		Balances:   h.balances,
		Limits:     h.limits,
		Locks:      &fakeLocker{},
		Chain:      h.chain,
		Lightning:  h.ln,
		Lnurl:      h.resolver,
		Quotes:     fixedQuotes{quote: h.quote},
		Pending:    h.queue,
		BadActors:  h.actors,
		Rebalancer: h.rebal,
		Fees: money.FeeSchedule{
			ConvFeePercent:       decimal.RequireFromString("0.013"),
			MinimumInvoiceSats:   10,
			MaximumInvoiceSats:   10_000_000,
			LightningFeeLimitPPM: 10_000,
		},
		ServerAccount:    testServer,
		TreasuryAccount:  testTreasury,
		FundingAccount:   testFunding,
		ExchangeAccounts: []string{testExchange},
		NodeName:         testNode,
		TinySats:         2,
	})
	require.NoError(t, err)
	h.bridge = bridge

	return h
}

// dispatch runs one op through the full dispatcher.
func (h *bridgeTest) dispatch(op ops.Op) {
	h.t.Helper()

	require.NoError(h.t, h.bridge.Dispatch(context.Background(), op))
}

// transfer builds a tracked transfer with a fixed chain reference.
func (h *bridgeTest) transfer(trx, from, to, amount,
	memoText string) *ops.Transfer {

	h.t.Helper()

	amt, err := money.ParseAmount(amount)
	require.NoError(h.t, err)

	return ops.NewTransfer(testRef(trx), testOpTime, from, to, amt,
		memoText)
}

// keepsatsJson builds a tracked keepsats transfer custom_json signed by
// the sender.
func (h *bridgeTest) keepsatsJson(trx, from, to string, sats int64,
	memoText string) *ops.CustomJson {

	h.t.Helper()

	payload := fmt.Sprintf(`{"hive_accname_from": %q, `+
		`"hive_accname_to": %q, "sats": %d, "memo": %q}`,
		from, to, sats, memoText)

	cj, err := ops.NewCustomJson(testRef(trx), testOpTime,
		ops.KeepsatsTransferID, nil, []string{from}, payload)
	require.NoError(h.t, err)

	return cj
}

// entry asserts the journal entry exists and returns it.
func (h *bridgeTest) entry(groupID string) *ledger.Entry {
	h.t.Helper()

	entry, err := h.journal.GetEntry(context.Background(), groupID)
	require.NoError(h.t, err, "expected entry %v", groupID)

	return entry
}

// noEntry asserts no entry was cut under the group id.
func (h *bridgeTest) noEntry(groupID string) {
	h.t.Helper()

	_, err := h.journal.GetEntry(context.Background(), groupID)
	require.ErrorIs(h.t, err, ledger.ErrEntryNotFound)
}

// replies returns the replies recorded for a group id.
func (h *bridgeTest) replies(groupID string) []ops.Reply {
	h.opStore.mu.Lock()
	defer h.opStore.mu.Unlock()

	return h.opStore.replies[groupID]
}

// testRef builds the chain coordinates ops in these tests live at.
func testRef(trx string) ops.HiveRef {
	return ops.HiveRef{
		TrxID:    trx,
		BlockNum: 80_000_000,
	}
}

// groupID composes the group id testRef produces.
func groupID(trx string) string {
	return fmt.Sprintf("80000000-%s-0", trx)
}

// signedMemo is the reply memo text with the short id and footer the
// bridge appends.
func signedMemo(text, trx string) string {
	return fmt.Sprintf("%s | § %s%s", text, trx[:10], memoFooter)
}

// succeededPayment is a terminal SUCCEEDED payment proto.
func succeededPayment(valueMsat, feeMsat int64) *lnrpc.Payment {
	return &lnrpc.Payment{
		PaymentHash:    testPayHash,
		Status:         lnrpc.Payment_SUCCEEDED,
		ValueMsat:      valueMsat,
		FeeMsat:        feeMsat,
		CreationTimeNs: testOpTime.UnixNano(),
	}
}

// failedPayment is a terminal FAILED payment proto.
func failedPayment(valueMsat int64,
	reason lnrpc.PaymentFailureReason) *lnrpc.Payment {

	return &lnrpc.Payment{
		PaymentHash:    testPayHash,
		Status:         lnrpc.Payment_FAILED,
		ValueMsat:      valueMsat,
		FailureReason:  reason,
		CreationTimeNs: testOpTime.UnixNano(),
	}
}

// hiveAmount builds a HIVE amount from its decimal rendering.
func hiveAmount(t *testing.T, value string) money.Amount {
	t.Helper()

	return money.NewAmount(decimal.RequireFromString(value), money.HIVE)
}
