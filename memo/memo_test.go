package memo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// realInvoice is a mainnet payment request of typical length.
const realInvoice = "lnbc31310n1p5cf8v0pp5g55tf4usmk22en3zwex848fenf4" +
	"3472nq6caeaswgjtm42qx28gsdrjwc68vctswqhxgetkyp7zqjr0wd6xjmn8yprx2" +
	"etnypmrga3dda8kvj6typ7zqg6ng929xgpnxyenzgruyq34xs252vszxs6vg4q5ug" +
	"prwc68vctswqcqzzsxqzxgsp5uhfpf7rpw85f4k83xd85wtrgazpu62mn08ehzj82" +
	"yle4pawmez3s9qxpqysgqw95g9xvs6numjyhw7sgen03fmy5e9u4y287ldrt3h885" +
	"692wspmk5f24h2ppv5xprdg9x0t2yq8fnpf9kqcn0svcmuwrktuag48s0rcppapzlf"

func TestClassifyTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		memo            string
		keepSats        bool
		payWithSats     bool
		hbd             bool
		convertKeepSats bool
	}{
		{memo: "#sats are great", keepSats: true},
		{memo: "sats are great", keepSats: true},
		{memo: "#keepsats forever", keepSats: true},
		{memo: "keepsats forever", keepSats: true},
		{memo: "#paywithsats", payWithSats: true},
		{memo: "Pay this invoice #paywithsats", payWithSats: true},
		{memo: "paywithsats"},
		{memo: "#hbd is great", hbd: true},
		{memo: "#HBD is great", hbd: true},
		{memo: "hbd is great"},
		{memo: "#convertkeepsats now", convertKeepSats: true},
		{memo: "#convertkeepsats", convertKeepSats: true},
		{memo: "convertkeepsats now"},
		{memo: ""},
	}

	for _, test := range tests {
		t.Run(test.memo, func(t *testing.T) {
			t.Parallel()

			m := Classify(test.memo)
			require.Equal(t, test.keepSats, m.KeepSats)
			require.Equal(t, test.payWithSats, m.PayWithSats)
			require.Equal(t, test.hbd, m.HBD)
			require.Equal(t, test.convertKeepSats,
				m.ConvertKeepSats)
		})
	}
}

func TestClassifyInvoice(t *testing.T) {
	t.Parallel()

	m := Classify("before " + realInvoice + " after")

	require.Equal(t, realInvoice, m.Invoice)
	require.Equal(t, "before ", m.Before)
	require.Equal(t, " after", m.After)
	require.True(t, m.IsLightning())
	require.Equal(t, RoutePayInvoice, m.Route())
	require.Equal(t, "⚡️lnbc31310n1p...apzlf", m.Short)
}

func TestClassifyHashedInvoice(t *testing.T) {
	t.Parallel()

	m := Classify("#" + realInvoice)

	require.Equal(t, realInvoice, m.Invoice)
	require.Equal(t, realInvoice, m.Text)
}

func TestClassifyAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		memo    string
		address string
		before  string
		after   string
	}{
		{
			name:    "bolt prefix",
			memo:    "pay ⚡️alice@wallet.com please",
			address: "alice@wallet.com",
			before:  "pay ",
			after:   " please",
		},
		{
			name:    "lightning prefix",
			memo:    "lightning:bob@v4v.app",
			address: "bob@v4v.app",
		},
		{
			name:    "bare with tag",
			memo:    "bob@v4v.app #sats",
			address: "bob@v4v.app",
			after:   " #sats",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := Classify(test.memo)
			require.Equal(t, test.address, m.Address)
			require.Equal(t, test.before, m.Before)
			require.Equal(t, test.after, m.After)
			require.True(t, m.IsLightning())
			require.Equal(t, RoutePayAddress, m.Route())
		})
	}
}

func TestClassifyFragment(t *testing.T) {
	t.Parallel()

	// An amount prefix alone is not a payable invoice, but the short
	// form still shows it.
	m := Classify("pay lnbc1234n thanks")

	require.Empty(t, m.Invoice)
	require.False(t, m.IsLightning())
	require.Equal(t, RouteNone, m.Route())
	require.Equal(t, "⚡️lnbc1234n...hanks", m.Short)
}

func TestConvertDetails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		memo    string
		amount  int64
		account string
	}{
		{
			name:    "amount and account",
			memo:    "5,000 @alice #convertkeepsats now",
			amount:  5000,
			account: "alice",
		},
		{
			name:   "amount only",
			memo:   "1000 #convertkeepsats",
			amount: 1000,
		},
		{
			name:    "account only",
			memo:    "@bob #convertkeepsats",
			account: "bob",
		},
		{
			name: "bare tag",
			memo: "withdraw #convertkeepsats",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := Classify(test.memo)
			require.True(t, m.ConvertKeepSats)
			require.Equal(t, RouteConvertKeepSats, m.Route())
			require.Equal(t, test.amount, m.ConvertAmount)
			require.Equal(t, test.account, m.ConvertAccount)
		})
	}
}

func TestRoutePrecedence(t *testing.T) {
	t.Parallel()

	// A payable wins over every tag.
	m := Classify(realInvoice + " #convertkeepsats")
	require.Equal(t, RoutePayInvoice, m.Route())

	m = Classify("bob@v4v.app #sats")
	require.Equal(t, RoutePayAddress, m.Route())

	m = Classify("#convertkeepsats #sats")
	require.Equal(t, RouteConvertKeepSats, m.Route())

	m = Classify("#sats #hbd")
	require.Equal(t, RouteKeepSats, m.Route())

	m = Classify("#hbd only")
	require.Equal(t, RouteHBD, m.Route())

	m = Classify("just a note")
	require.Equal(t, RouteNone, m.Route())
}

func TestIsEncrypted(t *testing.T) {
	t.Parallel()

	require.True(t, IsEncrypted("#2ffqEncryptedBlob"))
	require.False(t, IsEncrypted("#"+realInvoice))
	require.False(t, IsEncrypted("plain text"))
	require.False(t, IsEncrypted(""))
}

func TestShorten(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "full invoice",
			in:   realInvoice,
			want: "⚡️lnbc31310n1p...apzlf",
		},
		{
			name: "plain text",
			in:   "hello there",
			want: "💬hello there",
		},
		{
			name: "already bubbled",
			in:   "💬already",
			want: "💬already",
		},
		{
			name: "fragment only",
			in:   "lnbc1234n",
			want: "⚡️lnbc1234n",
		},
		{
			name: "fragment in memo",
			in:   "pay lnbc1234n thanks",
			want: "⚡️lnbc1234n...hanks",
		},
		{
			name: "already shortened",
			in:   "⚡️lnbc12340n...9klw7",
			want: "💬⚡️lnbc12340n...9klw7",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, test.want, Shorten(test.in))
		})
	}
}

func TestRouteString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pay_invoice", RoutePayInvoice.String())
	require.Equal(t, "keepsats", RouteKeepSats.String())
	require.Equal(t, "none", RouteNone.String())
}
