package hive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

const (
	// condenser api methods the client calls.
	methodGlobalProps    = "condenser_api.get_dynamic_global_properties"
	methodOpsInBlock     = "condenser_api.get_ops_in_block"
	methodGetAccounts    = "condenser_api.get_accounts"
	methodGetTransaction = "condenser_api.get_transaction"
	methodGetTicker      = "condenser_api.get_ticker"
	methodBroadcast      = "condenser_api.broadcast_transaction_synchronous"

	// defaultRPCTimeout bounds each individual node call.
	defaultRPCTimeout = 30 * time.Second

	// defaultWitnessAPI serves witness details over rest.
	defaultWitnessAPI = "https://api.syncad.com/hafbe-api"

	// trxExpiration is how long a broadcast transaction stays valid.
	trxExpiration = time.Minute

	// chainTimeLayout is the zone-less timestamp format the chain uses.
	// All chain times are utc.
	chainTimeLayout = "2006-01-02T15:04:05"
)

var (
	// ErrNoSigner is returned when a broadcast is attempted without a
	// configured signer.
	ErrNoSigner = errors.New("no transaction signer configured")

	// ErrAccountNotFound is returned when an account lookup matches
	// nothing on chain.
	ErrAccountNotFound = errors.New("hive account not found")

	// ErrNotWitness is returned when witness details are requested for
	// an account that is not a witness.
	ErrNotWitness = errors.New("account is not a witness")
)

// ChainTime is a timestamp in the chain's zone-less utc format.
type ChainTime struct {
	time.Time
}

// UnmarshalJSON parses the chain's timestamp encoding.
func (t *ChainTime) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))

	parsed, err := time.Parse(chainTimeLayout, s)
	if err != nil {
		return fmt.Errorf("chain time %v: %w", s, err)
	}

	t.Time = parsed.UTC()

	return nil
}

// MarshalJSON renders the chain's timestamp encoding.
func (t ChainTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(chainTimeLayout) + `"`), nil
}

// RawOp is the two element [name, body] array the condenser api uses
// to encode an operation.
type RawOp struct {
	Name string
	Body json.RawMessage
}

// UnmarshalJSON splits the operation pair.
func (o *RawOp) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}

	if len(pair) != 2 {
		return fmt.Errorf("operation pair has %d elements", len(pair))
	}

	if err := json.Unmarshal(pair[0], &o.Name); err != nil {
		return err
	}
	o.Body = pair[1]

	return nil
}

// MarshalJSON rebuilds the operation pair.
func (o RawOp) MarshalJSON() ([]byte, error) {
	name, err := json.Marshal(o.Name)
	if err != nil {
		return nil, err
	}

	return json.Marshal([]json.RawMessage{name, o.Body})
}

// flexBool accepts both the boolean and the legacy numeric encoding of
// the virtual_op flag.
type flexBool bool

// UnmarshalJSON parses either encoding.
func (f *flexBool) UnmarshalJSON(b []byte) error {
	var value interface{}
	if err := json.Unmarshal(b, &value); err != nil {
		return err
	}

	switch v := value.(type) {
	case bool:
		*f = flexBool(v)

	case float64:
		*f = v != 0

	default:
		return fmt.Errorf("bad virtual_op value: %s", b)
	}

	return nil
}

// GlobalProps is the subset of the chain's dynamic global properties
// the bridge reads.
type GlobalProps struct {
	HeadBlockNumber          int64     `json:"head_block_number"`
	HeadBlockID              string    `json:"head_block_id"`
	LastIrreversibleBlockNum int64     `json:"last_irreversible_block_num"`
	Time                     ChainTime `json:"time"`
}

// BlockOp is one operation as returned by get_ops_in_block.
type BlockOp struct {
	TrxID      string    `json:"trx_id"`
	Block      int64     `json:"block"`
	TrxInBlock int       `json:"trx_in_block"`
	OpInTrx    int       `json:"op_in_trx"`
	Virtual    flexBool  `json:"virtual_op"`
	Timestamp  ChainTime `json:"timestamp"`
	Op         RawOp     `json:"op"`
}

// Account is the on-chain state of a hive account the bridge reads.
type Account struct {
	Name                string
	HiveBalance         money.Amount
	HBDBalance          money.Amount
	JSONMetadata        string
	PostingJSONMetadata string
}

// Transaction is a hive transaction in condenser encoding. The tapos
// fields bind it to a recent block so that it cannot replay on a fork.
type Transaction struct {
	RefBlockNum    uint16        `json:"ref_block_num"`
	RefBlockPrefix uint32        `json:"ref_block_prefix"`
	Expiration     ChainTime     `json:"expiration"`
	Operations     []RawOp       `json:"operations"`
	Extensions     []interface{} `json:"extensions"`
	Signatures     []string      `json:"signatures"`
}

// TrxStatus is a transaction as read back from the chain.
type TrxStatus struct {
	Transaction

	TransactionID  string `json:"transaction_id"`
	BlockNum       int64  `json:"block_num"`
	TransactionNum int    `json:"transaction_num"`
}

// BroadcastResult reports where a broadcast transaction landed.
type BroadcastResult struct {
	TrxID    string `json:"id"`
	BlockNum int64  `json:"block_num"`
	TrxNum   int    `json:"trx_num"`
	Expired  bool   `json:"expired"`
}

// MarketTicker is the internal market's HBD:HIVE order book summary.
type MarketTicker struct {
	Latest     decimal.Decimal
	LowestAsk  decimal.Decimal
	HighestBid decimal.Decimal
}

// MidPrice is the HBD per HIVE rate halfway into the spread.
func (t *MarketTicker) MidPrice() decimal.Decimal {
	spread := t.LowestAsk.Sub(t.HighestBid)

	return spread.Div(decimal.NewFromInt(2)).Add(t.HighestBid)
}

// Witness is the subset of a witness report the bridge reads.
type Witness struct {
	WitnessName           string  `json:"witness_name"`
	Rank                  int     `json:"rank"`
	URL                   string  `json:"url"`
	Vests                 string  `json:"vests"`
	VotersNum             int     `json:"voters_num"`
	PriceFeed             float64 `json:"price_feed"`
	SigningKey            string  `json:"signing_key"`
	Version               string  `json:"version"`
	MissedBlocks          int64   `json:"missed_blocks"`
	HBDInterestRate       int     `json:"hbd_interest_rate"`
	LastConfirmedBlockNum int64   `json:"last_confirmed_block_num"`
}

// Config holds the hive client settings.
type Config struct {
	// Nodes are the api endpoints to use. The client rotates through
	// them on failure. Defaults to a shuffle of DefaultNodes.
	Nodes []string

	// Timeout bounds each individual node call.
	Timeout time.Duration

	// Signer signs outgoing transactions. Broadcasts fail when no
	// signer is configured.
	Signer Signer

	// NoBroadcast logs outgoing transactions instead of sending them.
	NoBroadcast bool

	// WitnessAPI is the base url of the witness details endpoint.
	WitnessAPI string
}

// Client talks to the hive api nodes. All chain reads and broadcasts
// go through it. It is safe for concurrent use.
type Client struct {
	client      *http.Client
	signer      Signer
	noBroadcast bool
	witnessAPI  string

	// mu guards the node rotation state and the request id counter.
	mu     sync.Mutex
	nodes  []string
	active int
	lastID uint64
}

// NewClient returns a hive client over the configured nodes.
func NewClient(cfg *Config) *Client {
	nodes := cfg.Nodes
	if len(nodes) == 0 {
		nodes = Shuffle(DefaultNodes)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRPCTimeout
	}

	witnessAPI := cfg.WitnessAPI
	if witnessAPI == "" {
		witnessAPI = defaultWitnessAPI
	}

	return &Client{
		client:      &http.Client{Timeout: timeout},
		signer:      cfg.Signer,
		noBroadcast: cfg.NoBroadcast,
		witnessAPI:  witnessAPI,
		nodes:       nodes,
	}
}

// Node returns the api node currently in use.
func (c *Client) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nodes[c.active]
}

// NextNode rotates to the next api node and returns it. The block
// stream also rotates on every marker so that a silently stale node
// cannot pin the stream.
func (c *Client) NextNode() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = (c.active + 1) % len(c.nodes)

	return c.nodes[c.active]
}

// nextID hands out request ids for log correlation.
func (c *Client) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++

	return c.lastID
}

// nodeCount returns how many nodes the client rotates through.
func (c *Client) nodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.nodes)
}

// rpcRequest is a json-rpc 2.0 call.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

// rpcResponse is a json-rpc 2.0 reply.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error a hive node returned for a request it
// understood. These are not retried on another node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("hive rpc error %d: %v", e.Code, e.Message)
}

// call runs one json-rpc method, rotating through the nodes on
// transport failures. A node that answers with an rpc error ends the
// attempt, the request itself is at fault.
func (c *Client) call(ctx context.Context, method string, params,
	result interface{}) error {

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.nodeCount(); attempt++ {
		node := c.Node()

		response, err := c.post(ctx, node, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			lastErr = err
			log.Warnf("Hive node %v failed: %v, rotating", node,
				err)
			c.NextNode()

			continue
		}

		if response.Error != nil {
			return fmt.Errorf("%v: %w", method, response.Error)
		}

		if result == nil {
			return nil
		}

		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("%v: decode result: %w", method,
				err)
		}

		return nil
	}

	return fmt.Errorf("%v: all %d nodes failed: %w", method,
		c.nodeCount(), lastErr)
}

// post sends one json-rpc payload to one node.
func (c *Client) post(ctx context.Context, node string,
	payload []byte) (*rpcResponse, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, node, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node status: %v",
			response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var decoded rpcResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &decoded, nil
}

// GlobalProperties reads the chain's dynamic global properties, which
// carry the head block and the chain clock.
func (c *Client) GlobalProperties(ctx context.Context) (*GlobalProps,
	error) {

	var props GlobalProps
	err := c.call(ctx, methodGlobalProps, []interface{}{}, &props)
	if err != nil {
		return nil, err
	}

	return &props, nil
}

// OpsInBlock returns the operations of one block, real and virtual.
func (c *Client) OpsInBlock(ctx context.Context, block int64,
	onlyVirtual bool) ([]BlockOp, error) {

	var blockOps []BlockOp
	err := c.call(
		ctx, methodOpsInBlock,
		[]interface{}{block, onlyVirtual}, &blockOps,
	)
	if err != nil {
		return nil, err
	}

	return blockOps, nil
}

// rawAccount is the condenser encoding of an account.
type rawAccount struct {
	Name                string `json:"name"`
	Balance             string `json:"balance"`
	HBDBalance          string `json:"hbd_balance"`
	JSONMetadata        string `json:"json_metadata"`
	PostingJSONMetadata string `json:"posting_json_metadata"`
}

// GetAccount looks up one account's balances and metadata.
func (c *Client) GetAccount(ctx context.Context, name string) (*Account,
	error) {

	var raw []rawAccount
	err := c.call(
		ctx, methodGetAccounts,
		[]interface{}{[]string{name}}, &raw,
	)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAccountNotFound, name)
	}

	hive, err := money.ParseAmount(raw[0].Balance)
	if err != nil {
		return nil, fmt.Errorf("account %v balance: %w", name, err)
	}

	hbd, err := money.ParseAmount(raw[0].HBDBalance)
	if err != nil {
		return nil, fmt.Errorf("account %v hbd balance: %w", name,
			err)
	}

	return &Account{
		Name:                raw[0].Name,
		HiveBalance:         hive,
		HBDBalance:          hbd,
		JSONMetadata:        raw[0].JSONMetadata,
		PostingJSONMetadata: raw[0].PostingJSONMetadata,
	}, nil
}

// GetTransaction reads a transaction back from the chain.
func (c *Client) GetTransaction(ctx context.Context,
	trxID string) (*TrxStatus, error) {

	var status TrxStatus
	err := c.call(
		ctx, methodGetTransaction, []interface{}{trxID}, &status,
	)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// rawTicker is the condenser encoding of the market ticker.
type rawTicker struct {
	Latest     string `json:"latest"`
	LowestAsk  string `json:"lowest_ask"`
	HighestBid string `json:"highest_bid"`
}

// GetTicker reads the internal market's HBD:HIVE ticker.
func (c *Client) GetTicker(ctx context.Context) (*MarketTicker, error) {
	var raw rawTicker
	err := c.call(ctx, methodGetTicker, []interface{}{}, &raw)
	if err != nil {
		return nil, err
	}

	latest, err := decimal.NewFromString(raw.Latest)
	if err != nil {
		return nil, fmt.Errorf("ticker latest: %w", err)
	}

	ask, err := decimal.NewFromString(raw.LowestAsk)
	if err != nil {
		return nil, fmt.Errorf("ticker lowest ask: %w", err)
	}

	bid, err := decimal.NewFromString(raw.HighestBid)
	if err != nil {
		return nil, fmt.Errorf("ticker highest bid: %w", err)
	}

	return &MarketTicker{
		Latest:     latest,
		LowestAsk:  ask,
		HighestBid: bid,
	}, nil
}

// InternalMarketRate returns the mid-spread HBD per HIVE rate of the
// internal market, the cross rate the price service consumes.
func (c *Client) InternalMarketRate(ctx context.Context) (decimal.Decimal,
	error) {

	ticker, err := c.GetTicker(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	return ticker.MidPrice(), nil
}

// witnessReport is the rest envelope of a witness lookup.
type witnessReport struct {
	Witness Witness `json:"witness"`
}

// WitnessDetails looks up a witness by account name.
func (c *Client) WitnessDetails(ctx context.Context,
	account string) (*Witness, error) {

	url := fmt.Sprintf("%v/witnesses/%v", c.witnessAPI, account)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, url, nil,
	)
	if err != nil {
		return nil, err
	}

	response, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("witness api status: %v",
			response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var report witnessReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode witness report: %w", err)
	}

	// The endpoint answers for any account name, only a matching
	// witness name is a real witness.
	if report.Witness.WitnessName != account {
		return nil, fmt.Errorf("%w: %v", ErrNotWitness, account)
	}

	return &report.Witness, nil
}

// transferBody is the condenser encoding of a transfer operation.
type transferBody struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// customJsonBody is the condenser encoding of a custom_json operation.
type customJsonBody struct {
	RequiredAuths        []string `json:"required_auths"`
	RequiredPostingAuths []string `json:"required_posting_auths"`
	ID                   string   `json:"id"`
	JSON                 string   `json:"json"`
}

// SendTransfer broadcasts a token transfer from the server account.
func (c *Client) SendTransfer(ctx context.Context, from, to string,
	amount money.Amount, memo string) (*BroadcastResult, error) {

	body, err := json.Marshal(transferBody{
		From:   from,
		To:     to,
		Amount: amount.String(),
		Memo:   memo,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Sending %v from %v to %v", amount, from, to)

	return c.broadcast(ctx, RawOp{
		Name: string(ops.TypeTransfer),
		Body: body,
	})
}

// SendCustomJson broadcasts a custom_json operation. The payload is
// marshalled into the operation's json string field unless it already
// is a string.
func (c *Client) SendCustomJson(ctx context.Context, id string,
	requiredAuths, requiredPostingAuths []string,
	payload interface{}) (*BroadcastResult, error) {

	jsonStr, ok := payload.(string)
	if !ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		jsonStr = string(raw)
	}

	body, err := json.Marshal(customJsonBody{
		RequiredAuths:        orEmpty(requiredAuths),
		RequiredPostingAuths: orEmpty(requiredPostingAuths),
		ID:                   id,
		JSON:                 jsonStr,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Sending custom_json %v", id)

	return c.broadcast(ctx, RawOp{
		Name: string(ops.TypeCustomJson),
		Body: body,
	})
}

// orEmpty replaces a nil slice with an empty one. The condenser api
// rejects null where it expects an auth array.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

// broadcast signs one operation and submits it, waiting for inclusion.
func (c *Client) broadcast(ctx context.Context, op RawOp) (*BroadcastResult,
	error) {

	if c.noBroadcast {
		log.Infof("Nobroadcast mode: suppressing %v operation",
			op.Name)

		return &BroadcastResult{}, nil
	}

	if c.signer == nil {
		return nil, ErrNoSigner
	}

	trx, err := c.buildTransaction(ctx, []RawOp{op})
	if err != nil {
		return nil, err
	}

	sigs, err := c.signer.SignTransaction(ctx, trx)
	if err != nil {
		return nil, fmt.Errorf("sign %v: %w", op.Name, err)
	}
	trx.Signatures = sigs

	var result BroadcastResult
	err = c.call(ctx, methodBroadcast, []interface{}{trx}, &result)
	if err != nil {
		return nil, err
	}

	log.Debugf("Broadcast %v included as trx %v in block %v", op.Name,
		result.TrxID, result.BlockNum)

	return &result, nil
}

// buildTransaction anchors an unsigned transaction to the current head
// block.
func (c *Client) buildTransaction(ctx context.Context,
	operations []RawOp) (*Transaction, error) {

	props, err := c.GlobalProperties(ctx)
	if err != nil {
		return nil, err
	}

	blockID, err := hex.DecodeString(props.HeadBlockID)
	if err != nil || len(blockID) < 8 {
		return nil, fmt.Errorf("bad head block id %v",
			props.HeadBlockID)
	}

	return &Transaction{
		RefBlockNum:    uint16(props.HeadBlockNumber & 0xFFFF),
		RefBlockPrefix: binary.LittleEndian.Uint32(blockID[4:8]),
		Expiration: ChainTime{
			Time: props.Time.Add(trxExpiration),
		},
		Operations: operations,
		Extensions: []interface{}{},
		Signatures: []string{},
	}, nil
}
