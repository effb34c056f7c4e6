package ops

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/v4vapp/hivebridge/money"
)

// storeTestQuote prices 1 HIVE at 250 sats and 1 HBD at 1000 sats.
func storeTestQuote(t *testing.T) money.Quote {
	t.Helper()

	quote, err := money.NewQuote(
		decimal.RequireFromString("0.25"),
		decimal.RequireFromString("1"),
		decimal.RequireFromString("100000"),
		"test", testOpTime,
	)
	require.NoError(t, err)

	return quote
}

// mustKeepsats builds a keepsats custom_json from a payload known to
// parse.
func mustKeepsats(payload string) *CustomJson {
	op, err := NewCustomJson(testRef(), testOpTime, KeepsatsTransferID,
		nil, []string{"alice"}, payload)
	if err != nil {
		panic(err)
	}

	return op
}

// TestDecodeOp tests that every op type survives a bson round trip
// through the polymorphic decoder.
func TestDecodeOp(t *testing.T) {
	t.Parallel()

	hash := hex.EncodeToString(testRHash)

	tests := []struct {
		name  string
		op    Op
		check func(t *testing.T, decoded Op)
	}{
		{
			name: "transfer",
			op: NewTransfer(testRef(), testOpTime, "alice",
				"v4vapp", hiveAmount("10"), "#encrypted"),
			check: func(t *testing.T, decoded Op) {
				transfer := decoded.(*Transfer)
				require.Equal(t, "alice", transfer.From)
				require.Equal(t, "v4vapp", transfer.To)
				require.True(t, decimal.RequireFromString("10").
					Equal(transfer.Amount.Value))
				require.Equal(t, money.HIVE, transfer.Amount.Unit)
				require.Equal(t, testRef(), transfer.HiveRef)
			},
		},
		{
			name: "recurrent transfer",
			op: NewRecurrentTransfer(testRef(), testOpTime,
				"alice", "bob", hiveAmount("5"), "rent", 24, 12),
			check: func(t *testing.T, decoded Op) {
				rt := decoded.(*RecurrentTransfer)
				require.Equal(t, 24, rt.Recurrence)
				require.Equal(t, 12, rt.Executions)
			},
		},
		{
			name: "fill recurrent transfer",
			op: NewFillRecurrentTransfer(virtualRef(), testOpTime,
				"alice", "bob", hiveAmount("5"), "rent", 11),
			check: func(t *testing.T, decoded Op) {
				fill := decoded.(*FillRecurrentTransfer)
				require.Equal(t, 11, fill.RemainingExecutions)
			},
		},
		{
			name: "custom json",
			op: mustKeepsats(`{"hive_accname_from":"alice",` +
				`"hive_accname_to":"bob","sats":12500}`),
			check: func(t *testing.T, decoded Op) {
				cj := decoded.(*CustomJson)
				require.Equal(t, KeepsatsTransferID, cj.CJID)
				require.NotNil(t, cj.Keepsats)
				require.Equal(t, int64(12_500), cj.Keepsats.Sats)
				require.Equal(t, []string{"alice"},
					cj.RequiredPostingAuths)
			},
		},
		{
			name: "limit order create",
			op: NewLimitOrderCreate(testRef(), testOpTime, "alice",
				42, hiveAmount("100"), hbdAmount("25"), true,
				testOpTime.Add(time.Hour)),
			check: func(t *testing.T, decoded Op) {
				order := decoded.(*LimitOrderCreate)
				require.Equal(t, int64(42), order.OrderID)
				require.True(t, order.FillOrKill)
				require.True(t, decimal.RequireFromString("0.25").
					Equal(order.Rate()))
			},
		},
		{
			name: "fill order",
			op: NewFillOrder(virtualRef(), testOpTime, "alice", 42,
				hiveAmount("100"), "bob", 77, hbdAmount("26")),
			check: func(t *testing.T, decoded Op) {
				fill := decoded.(*FillOrder)
				require.Equal(t, "bob", fill.OpenOwner)
				require.True(t, decimal.RequireFromString("0.26").
					Equal(fill.Rate()))
			},
		},
		{
			name: "witness vote",
			op: NewAccountWitnessVote(testRef(), testOpTime,
				"alice", "stoodkev", true),
			check: func(t *testing.T, decoded Op) {
				vote := decoded.(*AccountWitnessVote)
				require.Equal(t, "stoodkev", vote.Witness)
				require.True(t, vote.Approve)
			},
		},
		{
			name: "proposal votes",
			op: NewUpdateProposalVotes(testRef(), testOpTime,
				"alice", []int64{303, 317}, false),
			check: func(t *testing.T, decoded Op) {
				votes := decoded.(*UpdateProposalVotes)
				require.Equal(t, []int64{303, 317},
					votes.ProposalIDs)
				require.False(t, votes.Approve)
			},
		},
		{
			name: "producer reward",
			op: NewProducerReward(virtualRef(), testOpTime, "gtg",
				decimal.RequireFromString("494.441761")),
			check: func(t *testing.T, decoded Op) {
				reward := decoded.(*ProducerReward)
				require.True(t,
					decimal.RequireFromString("494.441761").
						Equal(reward.VestingShares))
			},
		},
		{
			name: "producer missed",
			op: NewProducerMissed(virtualRef(), testOpTime, "gtg",
				"STM8missing"),
			check: func(t *testing.T, decoded Op) {
				missed := decoded.(*ProducerMissed)
				require.Equal(t, "STM8missing",
					missed.MissingKey)
			},
		},
		{
			name: "account update",
			op: NewAccountUpdate(testRef(), testOpTime, "alice",
				`{}`, `{"profile":{}}`),
			check: func(t *testing.T, decoded Op) {
				update := decoded.(*AccountUpdate)
				require.Equal(t, "alice", update.Account)
				require.Equal(t, `{"profile":{}}`,
					update.PostingJSONMetadata)
			},
		},
		{
			name: "block marker",
			op:   NewBlockMarker(94_358_096, testOpTime),
			check: func(t *testing.T, decoded Op) {
				marker := decoded.(*BlockMarker)
				require.Equal(t, int64(94_358_096),
					marker.BlockNum)
				require.Equal(t, BlockMarkerGroupID,
					marker.GroupID)
			},
		},
		{
			name: "invoice",
			op: &Invoice{
				Meta: Meta{
					GroupID:   hash,
					ShortID:   shortHash(hash),
					OpType:    TypeInvoice,
					Timestamp: testOpTime,
				},
				RHash:        hash,
				Memo:         "deposit",
				ValueMsat:    10_000_000,
				State:        InvoiceSettled,
				CreationDate: testOpTime,
				AddIndex:     42,
				CustomRecords: CustomRecords{
					HiveAccname: "alice",
				},
			},
			check: func(t *testing.T, decoded Op) {
				inv := decoded.(*Invoice)
				require.Equal(t, hash, inv.RHash)
				require.True(t, inv.Settled())
				require.Equal(t, "alice",
					inv.CustomRecords.HiveAccname)
			},
		},
		{
			name: "payment",
			op: &Payment{
				Meta: Meta{
					GroupID:   PaymentGroupID(hash),
					ShortID:   shortHash(hash),
					OpType:    TypePayment,
					Timestamp: testOpTime,
				},
				PaymentHash: hash,
				Status:      PaymentSucceeded,
				ValueMsat:   25_000_000,
				FeeMsat:     50_000,
				Route: []NodeAlias{
					{PubKey: "02aaaa", Alias: "ACINQ"},
					{PubKey: "02bbbb"},
				},
			},
			check: func(t *testing.T, decoded Op) {
				pmt := decoded.(*Payment)
				require.Equal(t, hash, pmt.PaymentHash)
				require.True(t, pmt.Succeeded())
				require.Len(t, pmt.Route, 2)
				require.Equal(t, "ACINQ", pmt.Route[0].Alias)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := bson.MarshalWithRegistry(
				bsonRegistry, tc.op,
			)
			require.NoError(t, err)

			decoded, err := DecodeOp(bson.Raw(data))
			require.NoError(t, err)

			meta := tc.op.Common()
			require.Equal(t, meta.GroupID,
				decoded.Common().GroupID)
			require.Equal(t, meta.ShortID,
				decoded.Common().ShortID)
			require.Equal(t, meta.OpType, decoded.Common().OpType)
			require.True(t, meta.Timestamp.Equal(
				decoded.Common().Timestamp))

			tc.check(t, decoded)
		})
	}
}

// TestDecodeOpConv tests that a priced op's conversion snapshot and
// replies survive the round trip, decimals included.
func TestDecodeOpConv(t *testing.T) {
	t.Parallel()

	op := NewTransfer(testRef(), testOpTime, "alice", "v4vapp",
		hiveAmount("10"), "deposit")
	require.NoError(t, SetConv(op, storeTestQuote(t)))
	require.True(t, op.AddReply(Reply{
		ReplyID: "feedbeef01",
		Type:    ReplyCustomJson,
		Message: "10 HIVE received",
	}))

	data, err := bson.MarshalWithRegistry(bsonRegistry, op)
	require.NoError(t, err)

	decoded, err := DecodeOp(bson.Raw(data))
	require.NoError(t, err)

	conv := decoded.Common().Conv
	require.False(t, conv.IsZero())
	require.Equal(t, money.HIVE, conv.ConvFrom)
	require.True(t, decimal.RequireFromString("10").Equal(conv.HIVE))
	require.True(t, decimal.RequireFromString("2.5").Equal(conv.USD))

	// 10 HIVE at 250 sats each.
	require.Equal(t, int64(2500), conv.Sats)
	require.Equal(t, int64(2_500_000), conv.MSats)

	require.Len(t, decoded.Common().Replies, 1)
	require.Equal(t, "feedbeef01", decoded.Common().Replies[0].ReplyID)
	require.Equal(t, ReplyCustomJson, decoded.Common().Replies[0].Type)
}

// TestDecodeOpErrors tests rejection of undecodable documents.
func TestDecodeOpErrors(t *testing.T) {
	t.Parallel()

	// A type name the bridge does not model.
	raw, err := bson.Marshal(bson.M{
		"group_id": "94358096-ab12-0",
		"op_type":  "vote",
	})
	require.NoError(t, err)

	_, err = DecodeOp(bson.Raw(raw))
	require.ErrorIs(t, err, ErrUnknownOpType)

	// No discriminator at all.
	raw, err = bson.Marshal(bson.M{"group_id": "94358096-ab12-0"})
	require.NoError(t, err)

	_, err = DecodeOp(bson.Raw(raw))
	require.Error(t, err)
}

// TestSetConv tests pricing across the op variants.
func TestSetConv(t *testing.T) {
	t.Parallel()

	quote := storeTestQuote(t)

	// Ops without an amount stay unpriced.
	marker := NewBlockMarker(94_358_096, testOpTime)
	require.NoError(t, SetConv(marker, quote))
	require.True(t, marker.Conv.IsZero())

	foreign, err := NewCustomJson(testRef(), testOpTime, "sm_market",
		nil, []string{"alice"}, `[]`)
	require.NoError(t, err)
	require.NoError(t, SetConv(foreign, quote))
	require.True(t, foreign.Conv.IsZero())

	// A keepsats transfer prices its sats leg.
	keepsats := mustKeepsats(`{"hive_accname_from":"alice",` +
		`"hive_accname_to":"bob","sats":2500}`)
	require.NoError(t, SetConv(keepsats, quote))
	require.Equal(t, int64(2500), keepsats.Conv.Sats)
	require.True(t, decimal.RequireFromString("10").Equal(
		keepsats.Conv.HIVE))

	// An invalid quote is surfaced, not swallowed.
	transfer := NewTransfer(testRef(), testOpTime, "alice", "v4vapp",
		hiveAmount("10"), "memo")
	require.ErrorIs(t, SetConv(transfer, money.Quote{}),
		money.ErrInvalidQuote)
}

// fixedQuotes is a QuoteSource returning one quote and recording the
// instant it was asked for.
type fixedQuotes struct {
	quote   money.Quote
	askedAt time.Time
	err     error
}

func (f *fixedQuotes) QuoteAt(_ context.Context, at time.Time) (
	money.Quote, error) {

	f.askedAt = at
	return f.quote, f.err
}

// TestUpdateConv tests that ops are priced at their own timestamp.
func TestUpdateConv(t *testing.T) {
	t.Parallel()

	quotes := &fixedQuotes{quote: storeTestQuote(t)}
	op := NewTransfer(testRef(), testOpTime, "alice", "v4vapp",
		hiveAmount("10"), "memo")

	require.NoError(t, UpdateConv(context.Background(), op, quotes))
	require.True(t, quotes.askedAt.Equal(testOpTime))
	require.Equal(t, int64(2500), op.Conv.Sats)

	quotes.err = errors.New("rates unavailable")
	require.Error(t, UpdateConv(context.Background(), op, quotes))
}
