package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// queryValue extracts one key's value from a rendered query document.
func queryValue(t *testing.T, query bson.D, key string) interface{} {
	t.Helper()

	for _, elem := range query {
		if elem.Key == key {
			return elem.Value
		}
	}

	t.Fatalf("key %v not in query %v", key, query)
	return nil
}

// TestEntryFilterQueryTimeRange tests the timestamp bounds.
func TestEntryFilterQueryTimeRange(t *testing.T) {
	t.Parallel()

	asOf := testLedgerBase

	query := EntryFilter{AsOf: asOf}.query()
	timeRange, ok := queryValue(t, query, "timestamp").(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{{Key: "$lte", Value: asOf}}, timeRange)

	// A non zero age adds the trailing window's lower bound.
	query = EntryFilter{AsOf: asOf, Age: 2 * time.Hour}.query()
	timeRange, ok = queryValue(t, query, "timestamp").(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{
		{Key: "$lte", Value: asOf},
		{Key: "$gte", Value: asOf.Add(-2 * time.Hour)},
	}, timeRange)
}

// TestEntryFilterQueryAccount tests that an account filter matches
// either side and that an empty sub widens to every sub account.
func TestEntryFilterQueryAccount(t *testing.T) {
	t.Parallel()

	account := NewLiability("Customer Liability", "alice")
	query := EntryFilter{Account: &account}.query()

	or, ok := queryValue(t, query, "$or").(bson.A)
	require.True(t, ok)
	require.Equal(t, bson.A{
		bson.D{
			{Key: "debit.name", Value: "Customer Liability"},
			{Key: "debit.sub", Value: "alice"},
		},
		bson.D{
			{Key: "credit.name", Value: "Customer Liability"},
			{Key: "credit.sub", Value: "alice"},
		},
	}, or)

	wildcard := NewLiability("Customer Liability", "")
	query = EntryFilter{Account: &wildcard}.query()

	or, ok = queryValue(t, query, "$or").(bson.A)
	require.True(t, ok)
	require.Equal(t, bson.A{
		bson.D{{Key: "debit.name", Value: "Customer Liability"}},
		bson.D{{Key: "credit.name", Value: "Customer Liability"}},
	}, or)
}

// TestEntryFilterQueryTypes tests the entry type clauses.
func TestEntryFilterQueryTypes(t *testing.T) {
	t.Parallel()

	query := EntryFilter{Types: []EntryType{WithdrawLightning}}.query()
	require.Equal(t, WithdrawLightning,
		queryValue(t, query, "ledger_type"))

	query = EntryFilter{Types: outboundConversionTypes}.query()
	in, ok := queryValue(t, query, "ledger_type").(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{{
		Key: "$in", Value: outboundConversionTypes,
	}}, in)
}

// TestEntryFilterQueryIdentifiers tests the id clauses.
func TestEntryFilterQueryIdentifiers(t *testing.T) {
	t.Parallel()

	query := EntryFilter{
		CustID:  "alice",
		GroupID: "900001-aaaa",
		ShortID: "900001",
	}.query()

	require.Equal(t, "alice", queryValue(t, query, "cust_id"))
	require.Equal(t, "900001-aaaa", queryValue(t, query, "group_id"))
	require.Equal(t, "900001", queryValue(t, query, "short_id"))

	// Prefix matching anchors an escaped regex.
	query = EntryFilter{GroupIDPrefix: "900001-aa.a"}.query()
	regex, ok := queryValue(t, query, "group_id").(bson.D)
	require.True(t, ok)
	require.Equal(t, bson.D{{
		Key: "$regex", Value: `^900001-aa\.a`,
	}}, regex)
}

func TestRegexQuoteMeta(t *testing.T) {
	t.Parallel()

	require.Equal(t, "900001-abcdef", regexQuoteMeta("900001-abcdef"))
	require.Equal(t, `a\.b\+c`, regexQuoteMeta("a.b+c"))
	require.Equal(t, `\$\^\\`, regexQuoteMeta(`$^\`))
}

// TestHeldTotalNet tests the hold ledger netting.
func TestHeldTotalNet(t *testing.T) {
	t.Parallel()

	held := HeldTotal{CustID: "alice", Hold: 5000, Release: 1500}
	require.Equal(t, int64(3500), held.Net())
}
