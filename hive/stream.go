package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

const (
	// blockInterval is the chain's block cadence, how long the stream
	// sleeps once it has caught up with the head.
	blockInterval = 3 * time.Second

	// maxStreamBlock caps an unbounded stream.
	maxStreamBlock = 1<<31 - 1

	// streamRetryDelay is the initial backoff after a stream error. It
	// doubles per retry up to streamRetryCap.
	streamRetryDelay = 2 * time.Second
	streamRetryCap   = 60 * time.Second

	// streamMaxRetries bounds consecutive failed restarts before the
	// stream gives up and surfaces the error.
	streamMaxRetries = 20

	// defaultMarkerPoint is how many blocks pass between stream
	// position markers, roughly five minutes of chain time.
	defaultMarkerPoint = 100

	// defaultSkewThreshold is the block timestamp lag above which the
	// stream raises a coded warning.
	defaultSkewThreshold = 10 * time.Second

	// seenRingSize is how many recently emitted op ids are remembered
	// to absorb re-reads after a restart.
	seenRingSize = 50
)

// StreamConfig controls a block stream.
type StreamConfig struct {
	// Start is the first block to read. Zero starts at the head, a
	// negative value starts that many blocks behind the head.
	Start int64

	// End is the last block to read. Zero streams forever.
	End int64

	// Types filters the emitted op types. Empty emits every tracked
	// type.
	Types []ops.Type

	// Decrypter resolves encrypted transfer memos when set.
	Decrypter MemoDecrypter

	// SkewThreshold overrides the block timestamp lag that raises a
	// coded warning.
	SkewThreshold time.Duration

	// MarkerPoint overrides how many blocks pass between position
	// markers.
	MarkerPoint int64

	// ID labels this stream's marker logs when several streams share a
	// process.
	ID string
}

// StreamOps streams tracked operations from the chain, one block at a
// time. Every MarkerPoint blocks a BlockMarker op is emitted so that
// the consumer can persist its position. The op channel closes when
// the configured end block is passed or the context ends, the error
// channel reports a stream that exhausted its restart budget.
func (c *Client) StreamOps(ctx context.Context,
	cfg StreamConfig) (<-chan ops.Op, <-chan error, error) {

	props, err := c.GlobalProperties(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve stream start: %w", err)
	}

	start := cfg.Start
	if start <= 0 {
		start = props.HeadBlockNumber + cfg.Start
	}

	end := cfg.End
	if end == 0 {
		end = maxStreamBlock
	}

	if cfg.SkewThreshold == 0 {
		cfg.SkewThreshold = defaultSkewThreshold
	}
	if cfg.MarkerPoint == 0 {
		cfg.MarkerPoint = defaultMarkerPoint
	}

	opChan := make(chan ops.Op)
	errChan := make(chan error, 1)

	log.Infof("Starting hive scanning at %v ending at %v",
		humanize.Comma(start), humanize.Comma(end))

	go c.streamLoop(ctx, cfg, start, end, opChan, errChan)

	return opChan, errChan, nil
}

// streamLoop restarts the block reader on transient failures with a
// doubling backoff, giving up once the retry budget is spent.
func (c *Client) streamLoop(ctx context.Context, cfg StreamConfig,
	start, end int64, opChan chan ops.Op, errChan chan error) {

	defer close(opChan)

	var (
		blocks  = newBlockCounter(c, cfg, start)
		seen    = newSeenRing(seenRingSize)
		next    = start
		retries = 0
		delay   = streamRetryDelay
	)

	for {
		before := next
		err := c.streamBlocks(ctx, cfg, &next, end, blocks, seen,
			opChan)
		if err == nil {
			log.Infof("Hive stream complete at block %v",
				humanize.Comma(end))
			return
		}

		if ctx.Err() != nil {
			return
		}

		// Progress resets the restart budget.
		if next > before {
			retries = 0
			delay = streamRetryDelay
		}

		retries++
		if retries > streamMaxRetries {
			errChan <- fmt.Errorf("hive stream failed after %d "+
				"retries: %w", streamMaxRetries, err)
			return
		}

		log.Warnf("%v | Error in block stream: %v, restarting in %v",
			humanize.Comma(next), err, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > streamRetryCap {
			delay = streamRetryCap
		}
	}
}

// streamBlocks reads blocks from next to end, emitting their tracked
// ops. It returns nil once the end block is passed and the first error
// it cannot handle otherwise. Each attempt numbers ops with a fresh
// counter, numbering restarts at a block boundary so re-reads produce
// identical ids.
func (c *Client) streamBlocks(ctx context.Context, cfg StreamConfig,
	next *int64, end int64, blocks *blockCounter, seen *seenRing,
	opChan chan ops.Op) error {

	counter := &opCounter{}

	typeFilter := make(map[ops.Type]struct{}, len(cfg.Types))
	for _, t := range cfg.Types {
		typeFilter[t] = struct{}{}
	}

	for {
		props, err := c.GlobalProperties(ctx)
		if err != nil {
			return err
		}

		for *next <= props.HeadBlockNumber {
			if *next > end {
				return nil
			}

			err := c.streamOneBlock(
				ctx, cfg, *next, typeFilter, counter,
				blocks, seen, opChan,
			)
			if err != nil {
				return err
			}

			*next++
		}

		if *next > end {
			return nil
		}

		select {
		case <-time.After(blockInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamOneBlock emits the tracked ops of a single block, followed by
// a position marker when one is due.
func (c *Client) streamOneBlock(ctx context.Context, cfg StreamConfig,
	block int64, typeFilter map[ops.Type]struct{}, counter *opCounter,
	blocks *blockCounter, seen *seenRing, opChan chan ops.Op) error {

	blockOps, err := c.OpsInBlock(ctx, block, false)
	if err != nil {
		return err
	}

	var blockTime time.Time

	for i := range blockOps {
		raw := &blockOps[i]
		blockTime = raw.Timestamp.Time

		opType, err := ops.ParseType(raw.Op.Name)
		if err != nil || !opType.Tracked() {
			continue
		}

		// Ops are numbered before the type filter is applied so
		// that ids do not depend on the filter in use.
		idx := counter.assign(opType.Realm(), raw.Block, raw.TrxID)

		if len(typeFilter) > 0 {
			if _, ok := typeFilter[opType]; !ok {
				continue
			}
		}

		op, err := c.buildOp(ctx, opType, raw, idx, cfg.Decrypter)
		if err != nil {
			// Data errors are not retried, the op is dropped
			// and the stream moves on.
			log.Errorf("Block %v: dropping %v op: %v",
				humanize.Comma(raw.Block), raw.Op.Name, err)

			continue
		}

		groupID := op.Common().GroupID
		if seen.seen(groupID) {
			log.Debugf("Skipping duplicate op %v", groupID)
			continue
		}

		select {
		case opChan <- op:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if marker := blocks.inc(block, blockTime); marker {
		select {
		case opChan <- ops.NewBlockMarker(block, blockTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Condenser encodings of the tracked op bodies. Amounts arrive in the
// legacy string format.
type recurrentTransferBody struct {
	transferBody

	Recurrence int `json:"recurrence"`
	Executions int `json:"executions"`
}

type fillRecurrentTransferBody struct {
	transferBody

	RemainingExecutions int `json:"remaining_executions"`
}

type limitOrderCreateBody struct {
	Owner        string    `json:"owner"`
	OrderID      int64     `json:"orderid"`
	AmountToSell string    `json:"amount_to_sell"`
	MinToReceive string    `json:"min_to_receive"`
	FillOrKill   bool      `json:"fill_or_kill"`
	Expiration   ChainTime `json:"expiration"`
}

type fillOrderBody struct {
	CurrentOwner   string `json:"current_owner"`
	CurrentOrderID int64  `json:"current_orderid"`
	CurrentPays    string `json:"current_pays"`
	OpenOwner      string `json:"open_owner"`
	OpenOrderID    int64  `json:"open_orderid"`
	OpenPays       string `json:"open_pays"`
}

type witnessVoteBody struct {
	Account string `json:"account"`
	Witness string `json:"witness"`
	Approve bool   `json:"approve"`
}

type proposalVotesBody struct {
	Voter       string  `json:"voter"`
	ProposalIDs []int64 `json:"proposal_ids"`
	Approve     bool    `json:"approve"`
}

type producerRewardBody struct {
	Producer      string `json:"producer"`
	VestingShares string `json:"vesting_shares"`
}

type producerMissedBody struct {
	Producer string `json:"producer"`
}

type accountUpdateBody struct {
	Account             string `json:"account"`
	JSONMetadata        string `json:"json_metadata"`
	PostingJSONMetadata string `json:"posting_json_metadata"`
}

// buildOp decodes one raw block op into its model.
func (c *Client) buildOp(ctx context.Context, opType ops.Type,
	raw *BlockOp, opInTrx int, decrypter MemoDecrypter) (ops.Op, error) {

	ref := ops.HiveRef{
		TrxID:    raw.TrxID,
		BlockNum: raw.Block,
		OpInTrx:  opInTrx,
		TrxNum:   raw.TrxInBlock,
	}
	ts := raw.Timestamp.Time

	switch opType {
	case ops.TypeTransfer:
		var body transferBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		amount, err := money.ParseAmount(body.Amount)
		if err != nil {
			return nil, err
		}

		transfer := ops.NewTransfer(
			ref, ts, body.From, body.To, amount, body.Memo,
		)
		transfer.DMemo = DecodeMemo(ctx, decrypter, body.Memo)

		return transfer, nil

	case ops.TypeRecurrentTransfer:
		var body recurrentTransferBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		amount, err := money.ParseAmount(body.Amount)
		if err != nil {
			return nil, err
		}

		transfer := ops.NewRecurrentTransfer(
			ref, ts, body.From, body.To, amount, body.Memo,
			body.Recurrence, body.Executions,
		)
		transfer.DMemo = DecodeMemo(ctx, decrypter, body.Memo)

		return transfer, nil

	case ops.TypeFillRecurrentTransfer:
		var body fillRecurrentTransferBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		amount, err := money.ParseAmount(body.Amount)
		if err != nil {
			return nil, err
		}

		transfer := ops.NewFillRecurrentTransfer(
			ref, ts, body.From, body.To, amount, body.Memo,
			body.RemainingExecutions,
		)
		transfer.DMemo = DecodeMemo(ctx, decrypter, body.Memo)

		return transfer, nil

	case ops.TypeCustomJson:
		var body customJsonBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		return ops.NewCustomJson(
			ref, ts, body.ID, body.RequiredAuths,
			body.RequiredPostingAuths, body.JSON,
		)

	case ops.TypeLimitOrderCreate:
		var body limitOrderCreateBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		sell, err := money.ParseAmount(body.AmountToSell)
		if err != nil {
			return nil, err
		}

		receive, err := money.ParseAmount(body.MinToReceive)
		if err != nil {
			return nil, err
		}

		return ops.NewLimitOrderCreate(
			ref, ts, body.Owner, body.OrderID, sell, receive,
			body.FillOrKill, body.Expiration.Time,
		), nil

	case ops.TypeFillOrder:
		var body fillOrderBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		currentPays, err := money.ParseAmount(body.CurrentPays)
		if err != nil {
			return nil, err
		}

		openPays, err := money.ParseAmount(body.OpenPays)
		if err != nil {
			return nil, err
		}

		return ops.NewFillOrder(
			ref, ts, body.CurrentOwner, body.CurrentOrderID,
			currentPays, body.OpenOwner, body.OpenOrderID,
			openPays,
		), nil

	case ops.TypeAccountWitnessVote:
		var body witnessVoteBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		return ops.NewAccountWitnessVote(
			ref, ts, body.Account, body.Witness, body.Approve,
		), nil

	case ops.TypeUpdateProposalVotes:
		var body proposalVotesBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		return ops.NewUpdateProposalVotes(
			ref, ts, body.Voter, body.ProposalIDs, body.Approve,
		), nil

	case ops.TypeProducerReward:
		var body producerRewardBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		vests, err := parseVests(body.VestingShares)
		if err != nil {
			return nil, err
		}

		return ops.NewProducerReward(ref, ts, body.Producer,
			vests), nil

	case ops.TypeProducerMissed:
		var body producerMissedBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		missed := ops.NewProducerMissed(ref, ts, body.Producer, "")

		// The chain does not report which key missed, the witness
		// report does.
		witness, err := c.WitnessDetails(ctx, body.Producer)
		if err != nil {
			log.Debugf("No witness details for %v: %v",
				body.Producer, err)
		} else {
			missed.MissingKey = witness.SigningKey
		}

		return missed, nil

	case ops.TypeAccountUpdate:
		var body accountUpdateBody
		if err := json.Unmarshal(raw.Op.Body, &body); err != nil {
			return nil, err
		}

		return ops.NewAccountUpdate(
			ref, ts, body.Account, body.JSONMetadata,
			body.PostingJSONMetadata,
		), nil

	default:
		return nil, fmt.Errorf("%w: %v", ops.ErrUnknownOpType,
			opType)
	}
}

// parseVests parses the "123.456789 VESTS" reward encoding.
func parseVests(s string) (decimal.Decimal, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return decimal.Zero, fmt.Errorf("empty vesting amount")
	}

	return decimal.NewFromString(fields[0])
}

// opCounter recomputes op indices stream side. Real ops number within
// their transaction. Virtual ops share the all-zero trx id, so they
// number within their block instead.
type opCounter struct {
	lastTrxID string
	lastBlock int64
	lastOp    int
}

// assign returns the index of the next op for its transaction.
func (o *opCounter) assign(realm ops.Realm, block int64,
	trxID string) int {

	switch realm {
	case ops.RealmVirtual:
		if o.lastBlock == block && o.lastTrxID == trxID {
			o.lastOp++
		} else {
			o.lastBlock = block
			o.lastTrxID = trxID
			o.lastOp = 0
		}

	default:
		if o.lastTrxID == trxID {
			o.lastOp++
		} else {
			o.lastTrxID = trxID
			o.lastOp = 0
		}
	}

	return o.lastOp
}

// seenRing remembers the last emitted op ids so that a restart
// re-reading its last block does not emit duplicates.
type seenRing struct {
	ids  map[string]struct{}
	ring []string
	next int
}

// newSeenRing returns a ring remembering size ids.
func newSeenRing(size int) *seenRing {
	return &seenRing{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// seen records the id and reports whether it was already present.
func (s *seenRing) seen(id string) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}

	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)

	return false
}

// blockCounter tracks stream progress. It flags a marker every
// markerPoint blocks, logs block gaps, and raises a coded warning when
// block timestamps fall behind the wall clock.
type blockCounter struct {
	client *Client

	id          string
	lastGood    int64
	count       int64
	nextMarker  int64
	markerPoint int64

	skewThreshold time.Duration
	timeDiff      time.Duration
	errorCode     string

	lastMarker time.Time

	// now is the clock, replaced in tests.
	now func() time.Time
}

// newBlockCounter returns a counter for a stream resuming at start.
// The first processed block always flags a marker so that the consumer
// persists its position right after startup.
func newBlockCounter(client *Client, cfg StreamConfig,
	start int64) *blockCounter {

	id := cfg.ID
	if id != "" {
		id += " "
	}

	return &blockCounter{
		client:        client,
		id:            id,
		lastGood:      start - 1,
		markerPoint:   cfg.MarkerPoint,
		skewThreshold: cfg.SkewThreshold,
		lastMarker:    time.Now(),
		now:           time.Now,
	}
}

// inc counts a processed block and reports whether a position marker
// is due. On a marker the counter also rotates the client's node so
// that a silently stale node cannot pin the stream.
func (b *blockCounter) inc(block int64, ts time.Time) bool {
	if block <= b.lastGood {
		return false
	}

	if b.lastGood > 0 && block > b.lastGood+1 {
		log.Warnf("%vMissing blocks %v to %v, range left for "+
			"reconciliation", b.id,
			humanize.Comma(b.lastGood+1), humanize.Comma(block-1))
	}

	b.count += block - b.lastGood
	b.lastGood = block

	if b.count < b.nextMarker {
		return false
	}
	b.nextMarker += b.markerPoint

	b.checkSkew(ts)

	var oldNode, newNode string
	if b.client != nil {
		oldNode = b.client.Node()
		newNode = b.client.NextNode()
	}

	now := b.now()
	log.Infof("🧱 %v%v blocks processed in: %v delta: %v Node: %v -> %v",
		b.id, humanize.Comma(b.count),
		now.Sub(b.lastMarker).Round(time.Millisecond),
		b.timeDiff.Round(time.Millisecond), oldNode, newNode)
	b.lastMarker = now

	return true
}

// checkSkew compares the block timestamp to the wall clock. A skew
// beyond the threshold raises a coded warning once, and a recovery
// clears it with a matching log.
func (b *blockCounter) checkSkew(ts time.Time) {
	if ts.IsZero() {
		return
	}

	b.timeDiff = b.now().Sub(ts)

	if b.errorCode == "" && b.timeDiff > b.skewThreshold {
		b.errorCode = fmt.Sprintf("%vHive time diff greater than %v",
			b.id, b.skewThreshold)
		log.Warnf("🧱 %vTime diff: %v greater than %v", b.id,
			b.timeDiff.Round(time.Millisecond), b.skewThreshold)

		return
	}

	if b.errorCode != "" && b.timeDiff <= b.skewThreshold {
		log.Infof("🧱 %vTime diff: %v back under %v", b.id,
			b.timeDiff.Round(time.Millisecond), b.skewThreshold)
		b.errorCode = ""
	}
}
