package hive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/v4vapp/hivebridge/money"
)

const (
	nodeA = "https://node-a.test"
	nodeB = "https://node-b.test"

	// testPropsJSON is a canned global properties result. The head
	// block 94358096 & 0xFFFF is 51792, and the little endian uint32
	// at bytes 4:8 of the block id is 3721182122.
	testPropsJSON = `{
		"head_block_number": 94358096,
		"head_block_id": "059fd1d0aabbccdd00112233445566778899aabb",
		"last_irreversible_block_num": 94358080,
		"time": "2026-08-25T12:00:00"
	}`
)

// testClient returns a client over two fake nodes with its transport
// mocked out. Tests sharing the httpmock registry cannot run in
// parallel.
func testClient(t *testing.T) *Client {
	t.Helper()

	client := NewClient(&Config{
		Nodes: []string{nodeA, nodeB},
	})
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	return client
}

// rpcResponder answers json-rpc calls with canned results keyed by
// method name.
func rpcResponder(t *testing.T, results map[string]string) httpmock.Responder {
	t.Helper()

	return func(req *http.Request) (*http.Response, error) {
		var call rpcRequest
		if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
			return nil, err
		}

		result, ok := results[call.Method]
		if !ok {
			return httpmock.NewStringResponse(
				http.StatusInternalServerError,
				"unexpected method "+call.Method,
			), nil
		}

		body := fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%d}`,
			result, call.ID)

		return httpmock.NewStringResponse(http.StatusOK, body), nil
	}
}

// TestClientRotation tests that a dead node is skipped and the client
// stays on the node that answered.
func TestClientRotation(t *testing.T) {
	client := testClient(t)

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		httpmock.NewErrorResponder(errors.New("connection refused")),
	)
	httpmock.RegisterResponder(
		http.MethodPost, nodeB,
		rpcResponder(t, map[string]string{
			methodGlobalProps: testPropsJSON,
		}),
	)

	props, err := client.GlobalProperties(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 94358096, props.HeadBlockNumber)
	require.Equal(
		t,
		time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		props.Time.Time,
	)

	// The client rotated once and stays there.
	require.Equal(t, nodeB, client.Node())
}

// TestClientRPCError tests that a node-level rpc error is returned to
// the caller without rotating, the request itself is at fault.
func TestClientRPCError(t *testing.T) {
	client := testClient(t)

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		httpmock.NewStringResponder(http.StatusOK,
			`{"jsonrpc":"2.0","error":{"code":-32000,`+
				`"message":"could not parse"},"id":1}`),
	)

	_, err := client.GetTicker(context.Background())
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32000, rpcErr.Code)

	require.Equal(t, nodeA, client.Node())
}

// TestClientAllNodesFail tests the error returned once every node has
// been tried.
func TestClientAllNodesFail(t *testing.T) {
	client := testClient(t)

	responder := httpmock.NewErrorResponder(errors.New("down"))
	httpmock.RegisterResponder(http.MethodPost, nodeA, responder)
	httpmock.RegisterResponder(http.MethodPost, nodeB, responder)

	_, err := client.GlobalProperties(context.Background())
	require.ErrorContains(t, err, "all 2 nodes failed")
}

// TestGetAccount tests account lookups and the not found case.
func TestGetAccount(t *testing.T) {
	client := testClient(t)

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		rpcResponder(t, map[string]string{
			methodGetAccounts: `[{
				"name": "alice",
				"balance": "10.000 HIVE",
				"hbd_balance": "5.250 HBD",
				"json_metadata": "{\"profile\":{}}",
				"posting_json_metadata": ""
			}]`,
		}),
	)

	account, err := client.GetAccount(context.Background(), "alice")
	require.NoError(t, err)

	require.Equal(t, "alice", account.Name)
	require.Equal(t, money.HIVE, account.HiveBalance.Unit)
	require.True(t, account.HiveBalance.Value.Equal(
		decimal.RequireFromString("10.000"),
	))
	require.Equal(t, money.HBD, account.HBDBalance.Unit)
	require.True(t, account.HBDBalance.Value.Equal(
		decimal.RequireFromString("5.250"),
	))

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		rpcResponder(t, map[string]string{
			methodGetAccounts: `[]`,
		}),
	)

	_, err = client.GetAccount(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

// TestGetTicker tests reading the internal market ticker and the mid
// price derived from it.
func TestGetTicker(t *testing.T) {
	client := testClient(t)

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		rpcResponder(t, map[string]string{
			methodGetTicker: `{
				"latest": "0.252",
				"lowest_ask": "0.260",
				"highest_bid": "0.250"
			}`,
		}),
	)

	ticker, err := client.GetTicker(context.Background())
	require.NoError(t, err)

	// Mid price sits halfway into the spread.
	require.True(t, ticker.MidPrice().Equal(
		decimal.RequireFromString("0.255"),
	))

	rate, err := client.InternalMarketRate(context.Background())
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("0.255")))
}

// TestWitnessDetails tests witness lookups, including the endpoint
// answering for an account that is not a witness.
func TestWitnessDetails(t *testing.T) {
	client := testClient(t)

	httpmock.RegisterResponder(
		http.MethodGet, defaultWitnessAPI+"/witnesses/stoodkev",
		httpmock.NewStringResponder(http.StatusOK, `{
			"votes_updated_at": "2026-08-25T11:00:00",
			"witness": {
				"witness_name": "stoodkev",
				"rank": 12,
				"signing_key": "STM8signingkey",
				"missed_blocks": 2,
				"last_confirmed_block_num": 94358000
			}
		}`),
	)
	httpmock.RegisterResponder(
		http.MethodGet, defaultWitnessAPI+"/witnesses/alice",
		httpmock.NewStringResponder(http.StatusOK,
			`{"witness": {"witness_name": ""}}`),
	)

	witness, err := client.WitnessDetails(
		context.Background(), "stoodkev",
	)
	require.NoError(t, err)
	require.Equal(t, "STM8signingkey", witness.SigningKey)
	require.Equal(t, 12, witness.Rank)

	_, err = client.WitnessDetails(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNotWitness)
}

// fakeSigner returns canned signatures and records the transaction it
// was asked to sign.
type fakeSigner struct {
	sigs []string
	err  error
	trx  *Transaction
}

// SignTransaction implements the Signer interface.
func (f *fakeSigner) SignTransaction(_ context.Context,
	trx *Transaction) ([]string, error) {

	f.trx = trx

	return f.sigs, f.err
}

// TestBroadcastTransfer tests transaction assembly, signing and
// submission for an outgoing transfer.
func TestBroadcastTransfer(t *testing.T) {
	signer := &fakeSigner{sigs: []string{"1f00aa"}}

	client := NewClient(&Config{
		Nodes:  []string{nodeA},
		Signer: signer,
	})
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	var broadcastBody []byte
	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		func(req *http.Request) (*http.Response, error) {
			var call struct {
				Method string            `json:"method"`
				Params []json.RawMessage `json:"params"`
				ID     uint64            `json:"id"`
			}
			err := json.NewDecoder(req.Body).Decode(&call)
			if err != nil {
				return nil, err
			}

			switch call.Method {
			case methodGlobalProps:
				body := fmt.Sprintf(`{"jsonrpc":"2.0",`+
					`"result":%s,"id":%d}`,
					testPropsJSON, call.ID)

				return httpmock.NewStringResponse(
					http.StatusOK, body,
				), nil

			case methodBroadcast:
				broadcastBody = call.Params[0]

				body := fmt.Sprintf(`{"jsonrpc":"2.0",`+
					`"result":{"id":"ab12","block_num":`+
					`94358097,"trx_num":3,`+
					`"expired":false},"id":%d}`, call.ID)

				return httpmock.NewStringResponse(
					http.StatusOK, body,
				), nil

			default:
				return httpmock.NewStringResponse(
					http.StatusInternalServerError,
					"unexpected method",
				), nil
			}
		},
	)

	result, err := client.SendTransfer(
		context.Background(), "v4vapp", "alice",
		money.NewAmount(decimal.RequireFromString("0.001"),
			money.HIVE),
		"reply memo",
	)
	require.NoError(t, err)
	require.Equal(t, "ab12", result.TrxID)
	require.EqualValues(t, 94358097, result.BlockNum)

	// The signer saw a transaction anchored to the head block.
	require.NotNil(t, signer.trx)
	require.EqualValues(t, 51792, signer.trx.RefBlockNum)
	require.EqualValues(t, 3721182122, signer.trx.RefBlockPrefix)
	require.Equal(
		t,
		time.Date(2026, 8, 25, 12, 1, 0, 0, time.UTC),
		signer.trx.Expiration.Time,
	)
	require.Len(t, signer.trx.Operations, 1)
	require.Equal(t, "transfer", signer.trx.Operations[0].Name)

	// The submitted transaction carries the signature and the legacy
	// amount encoding.
	submitted := string(broadcastBody)
	require.Contains(t, submitted, `"signatures":["1f00aa"]`)
	require.Contains(t, submitted, `"amount":"0.001 HIVE"`)
	require.Contains(t, submitted, `"expiration":"2026-08-25T12:01:00"`)
}

// TestBroadcastNoSigner tests that broadcasts fail fast without a
// signer.
func TestBroadcastNoSigner(t *testing.T) {
	client := testClient(t)

	_, err := client.SendTransfer(
		context.Background(), "v4vapp", "alice",
		money.NewAmount(decimal.New(1, -3), money.HIVE), "",
	)
	require.ErrorIs(t, err, ErrNoSigner)
}

// TestNoBroadcast tests that nobroadcast mode suppresses the network
// call entirely.
func TestNoBroadcast(t *testing.T) {
	client := NewClient(&Config{
		Nodes:       []string{nodeA},
		NoBroadcast: true,
	})
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	result, err := client.SendCustomJson(
		context.Background(), "v4vapp_notification",
		nil, []string{"v4vapp"},
		map[string]interface{}{"notification": true},
	)
	require.NoError(t, err)
	require.Empty(t, result.TrxID)

	require.Zero(t, httpmock.GetTotalCallCount())
}

// TestSendCustomJson tests custom_json assembly, in particular that
// the payload lands as an embedded json string and nil auth lists are
// sent as empty arrays.
func TestSendCustomJson(t *testing.T) {
	signer := &fakeSigner{sigs: []string{"2000bb"}}

	client := NewClient(&Config{
		Nodes:  []string{nodeA},
		Signer: signer,
	})
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(
		http.MethodPost, nodeA,
		rpcResponder(t, map[string]string{
			methodGlobalProps: testPropsJSON,
			methodBroadcast:   `{"id":"cd34","block_num":94358099,"trx_num":0,"expired":false}`,
		}),
	)

	result, err := client.SendCustomJson(
		context.Background(), "v4vapp_notification",
		nil, []string{"v4vapp"},
		map[string]int64{"sats": 100},
	)
	require.NoError(t, err)
	require.Equal(t, "cd34", result.TrxID)

	require.Len(t, signer.trx.Operations, 1)
	require.Equal(t, "custom_json", signer.trx.Operations[0].Name)

	var body customJsonBody
	require.NoError(
		t, json.Unmarshal(signer.trx.Operations[0].Body, &body),
	)
	require.Equal(t, "v4vapp_notification", body.ID)
	require.Equal(t, `{"sats":100}`, body.JSON)
	require.NotNil(t, body.RequiredAuths)
	require.Empty(t, body.RequiredAuths)
	require.Equal(t, []string{"v4vapp"}, body.RequiredPostingAuths)
}
