package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/money"
)

// fakeQueue serves canned entries and records mutations.
type fakeQueue struct {
	transfers   []*Transfer
	customJsons []*CustomJson

	deleted []primitive.ObjectID
	bumped  []primitive.ObjectID

	// scans signals each transfer listing so loop tests can observe
	// a tick.
	scans chan struct{}
}

func (q *fakeQueue) Transfers(context.Context) ([]*Transfer, error) {
	if q.scans != nil {
		select {
		case q.scans <- struct{}{}:
		default:
		}
	}

	return q.transfers, nil
}

func (q *fakeQueue) CustomJsons(context.Context) ([]*CustomJson,
	error) {

	return q.customJsons, nil
}

func (q *fakeQueue) Delete(_ context.Context,
	id primitive.ObjectID) error {

	q.deleted = append(q.deleted, id)
	return nil
}

func (q *fakeQueue) BumpResend(_ context.Context,
	id primitive.ObjectID) error {

	q.bumped = append(q.bumped, id)
	return nil
}

// sentTransfer records one transfer broadcast attempt.
type sentTransfer struct {
	from, to, memo string
	amount         money.Amount
}

// sentCustomJson records one custom_json broadcast attempt.
type sentCustomJson struct {
	id           string
	auths        []string
	postingAuths []string
	payload      interface{}
}

// fakeChain serves fixed balances and records broadcast attempts.
// Memos and payloads listed in fail make the matching broadcast fail.
type fakeChain struct {
	hiveBalance money.Amount
	hbdBalance  money.Amount

	fail map[string]bool

	accountCalls int
	transfers    []sentTransfer
	customJsons  []sentCustomJson
}

func (c *fakeChain) GetAccount(_ context.Context,
	name string) (*hive.Account, error) {

	c.accountCalls++

	return &hive.Account{
		Name:        name,
		HiveBalance: c.hiveBalance,
		HBDBalance:  c.hbdBalance,
	}, nil
}

func (c *fakeChain) SendTransfer(_ context.Context, from, to string,
	amount money.Amount, memo string) (*hive.BroadcastResult, error) {

	c.transfers = append(c.transfers, sentTransfer{
		from:   from,
		to:     to,
		memo:   memo,
		amount: amount,
	})

	if c.fail[memo] {
		return nil, errors.New("node rejected transaction")
	}

	return &hive.BroadcastResult{TrxID: "trx-" + memo}, nil
}

func (c *fakeChain) SendCustomJson(_ context.Context, id string,
	requiredAuths, requiredPostingAuths []string,
	payload interface{}) (*hive.BroadcastResult, error) {

	c.customJsons = append(c.customJsons, sentCustomJson{
		id:           id,
		auths:        requiredAuths,
		postingAuths: requiredPostingAuths,
		payload:      payload,
	})

	if text, ok := payload.(string); ok && c.fail[text] {
		return nil, errors.New("node rejected transaction")
	}

	return &hive.BroadcastResult{TrxID: "trx-cj"}, nil
}

func queuedTransfer(key, to string, amount money.Amount,
	memo string) *Transfer {

	transfer := NewTransfer(key, "v4vapp", to, amount, memo)
	transfer.ID = primitive.NewObjectID()

	return transfer
}

func queuedCustomJson(key, payload string) *CustomJson {
	customJson := NewCustomJson(
		key, "v4vapp", "v4vapp_transfer", payload,
	)
	customJson.ID = primitive.NewObjectID()

	return customJson
}

func newTestResender(queue *fakeQueue, chain *fakeChain) *Resender {
	return NewResender(&ResenderConfig{
		Store:         queue,
		Chain:         chain,
		ServerAccount: "v4vapp",
	})
}

// TestResendTransfers tests that covered transfers go out in order and
// leave the queue.
func TestResendTransfers(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{transfers: []*Transfer{
		queuedTransfer("a", "alice", hiveAmount("10"), "one"),
		queuedTransfer("b", "bob", hbdAmount("5"), "two"),
	}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("100"),
		hbdBalance:  hbdAmount("100"),
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	// Balances are fetched once per pass, not per entry.
	require.Equal(t, 1, chain.accountCalls)

	require.Len(t, chain.transfers, 2)
	require.Equal(t, "v4vapp", chain.transfers[0].from)
	require.Equal(t, "alice", chain.transfers[0].to)
	require.Equal(t, "one", chain.transfers[0].memo)
	require.Equal(t, money.HIVE, chain.transfers[0].amount.Unit)
	require.Equal(t, "two", chain.transfers[1].memo)

	require.Equal(t, []primitive.ObjectID{
		queue.transfers[0].ID, queue.transfers[1].ID,
	}, queue.deleted)
	require.Empty(t, queue.bumped)
}

// TestResendInsufficientBalance tests that the working balance drops
// as transfers go out and that an uncovered entry waits without
// counting as a failed attempt.
func TestResendInsufficientBalance(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{transfers: []*Transfer{
		queuedTransfer("a", "alice", hiveAmount("10"), "first"),
		queuedTransfer("b", "bob", hiveAmount("10"), "second"),
		queuedTransfer("c", "carol", hiveAmount("4"), "third"),
	}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("15"),
		hbdBalance:  hbdAmount("0"),
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	// 15 covers the first but not the second, and the remainder
	// still covers the third.
	require.Len(t, chain.transfers, 2)
	require.Equal(t, "first", chain.transfers[0].memo)
	require.Equal(t, "third", chain.transfers[1].memo)

	require.Equal(t, []primitive.ObjectID{
		queue.transfers[0].ID, queue.transfers[2].ID,
	}, queue.deleted)
	require.Empty(t, queue.bumped)
}

// TestResendUnsupportedCurrency tests that an entry in a currency the
// chain does not carry is left alone.
func TestResendUnsupportedCurrency(t *testing.T) {
	t.Parallel()

	sats := money.NewAmount(decimal.NewFromInt(100), money.Sats)
	queue := &fakeQueue{transfers: []*Transfer{
		queuedTransfer("a", "alice", sats, "offchain"),
	}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("100"),
		hbdBalance:  hbdAmount("100"),
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, chain.transfers)
	require.Empty(t, queue.deleted)
	require.Empty(t, queue.bumped)
}

// TestResendBackoff tests that a recently failed entry waits out its
// backoff while an older failure goes again.
func TestResendBackoff(t *testing.T) {
	t.Parallel()

	waiting := queuedTransfer("a", "alice", hiveAmount("1"), "waiting")
	waiting.ResendAttempt = 2
	waiting.LastAttempt = time.Now().UTC()

	ready := queuedTransfer("b", "bob", hiveAmount("1"), "ready")
	ready.ResendAttempt = 2
	ready.LastAttempt = time.Now().UTC().Add(-3 * time.Minute)

	queue := &fakeQueue{transfers: []*Transfer{waiting, ready}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("100"),
		hbdBalance:  hbdAmount("0"),
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, chain.transfers, 1)
	require.Equal(t, "ready", chain.transfers[0].memo)
	require.Equal(t, []primitive.ObjectID{ready.ID}, queue.deleted)
	require.Empty(t, queue.bumped)
}

// TestResendBroadcastFailure tests that a rejected broadcast stays
// queued with its attempt bumped while later entries still go out.
func TestResendBroadcastFailure(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{transfers: []*Transfer{
		queuedTransfer("a", "alice", hiveAmount("10"), "bad"),
		queuedTransfer("b", "bob", hiveAmount("5"), "good"),
	}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("100"),
		hbdBalance:  hbdAmount("0"),
		fail:        map[string]bool{"bad": true},
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, chain.transfers, 2)
	require.Equal(t, []primitive.ObjectID{queue.transfers[1].ID},
		queue.deleted)
	require.Equal(t, []primitive.ObjectID{queue.transfers[0].ID},
		queue.bumped)
}

// TestResendNoBroadcast tests that a nobroadcast entry is dequeued
// without touching the chain.
func TestResendNoBroadcast(t *testing.T) {
	t.Parallel()

	dry := queuedTransfer("a", "alice", hiveAmount("10"), "dry run")
	dry.NoBroadcast = true

	queue := &fakeQueue{transfers: []*Transfer{dry}}
	chain := &fakeChain{
		hiveBalance: hiveAmount("100"),
		hbdBalance:  hbdAmount("0"),
	}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, chain.transfers)
	require.Equal(t, []primitive.ObjectID{dry.ID}, queue.deleted)
}

// TestResendCustomJsons tests the custom_json pass: active entries go
// out with the sender's active authority and no balance lookup,
// parked and empty entries wait, failures bump.
func TestResendCustomJsons(t *testing.T) {
	t.Parallel()

	active := queuedCustomJson("a", `{"to":"bob"}`)

	parked := queuedCustomJson("b", `{"to":"carol"}`)
	parked.Active = false

	empty := queuedCustomJson("c", "")

	failing := queuedCustomJson("d", "explode")

	queue := &fakeQueue{customJsons: []*CustomJson{
		active, parked, empty, failing,
	}}
	chain := &fakeChain{fail: map[string]bool{"explode": true}}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, 0, chain.accountCalls)

	require.Len(t, chain.customJsons, 2)
	require.Equal(t, "v4vapp_transfer", chain.customJsons[0].id)
	require.Equal(t, []string{"v4vapp"}, chain.customJsons[0].auths)
	require.Nil(t, chain.customJsons[0].postingAuths)
	require.Equal(t, `{"to":"bob"}`, chain.customJsons[0].payload)

	require.Equal(t, []primitive.ObjectID{active.ID}, queue.deleted)
	require.Equal(t, []primitive.ObjectID{failing.ID}, queue.bumped)
}

// TestRunOnceEmpty tests that an empty queue does not touch the chain.
func TestRunOnceEmpty(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	chain := &fakeChain{}

	err := newTestResender(queue, chain).RunOnce(context.Background())
	require.NoError(t, err)

	require.Zero(t, chain.accountCalls)
	require.Empty(t, chain.transfers)
	require.Empty(t, chain.customJsons)
}

// TestNewResenderDefaults tests the interval default.
func TestNewResenderDefaults(t *testing.T) {
	t.Parallel()

	resender := NewResender(&ResenderConfig{})
	require.Equal(t, defaultInterval, resender.cfg.Interval)
}

// TestRunTicks tests that the loop scans on its interval and stops on
// cancellation.
func TestRunTicks(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{scans: make(chan struct{}, 1)}
	resender := NewResender(&ResenderConfig{
		Store:         queue,
		Chain:         &fakeChain{},
		ServerAccount: "v4vapp",
		Interval:      5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- resender.Run(ctx)
	}()

	select {
	case <-queue.scans:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never scanned")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
