package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
	"github.com/v4vapp/hivebridge/pending"
)

// memoFooter closes every reply memo sent back to a customer.
const memoFooter = " | Thank you for using v4v.app"

// replyRequest describes one response owed to a customer: change or a
// refund as a hive transfer, or a notification custom_json when there
// is no value to move.
type replyRequest struct {
	op   ops.Op
	cust string

	// amount is the hive side to send back; zero means notification
	// only.
	amount money.Amount

	// msats is the sats value the reply reports, where one applies.
	msats int64

	// reason is the memo for refunds and receipts, changeMemo wins
	// when both are set.
	reason     string
	changeMemo string

	// forceCustomJson keeps the reply off the transfer channel even
	// when an amount is set.
	forceCustomJson bool

	// conversion marks the payout of a keepsats conversion, which must
	// go out as a transfer regardless of size.
	conversion bool

	// clean suppresses the short id and footer on the memo.
	clean bool
}

// reply sends one response for an op and records it on the op's reply
// list. Failed broadcasts land on the pending queue and are recorded
// with their error, so the resender picks them up and the books show
// what happened either way.
func (b *Bridge) reply(ctx context.Context, req *replyRequest) error {
	if req.cust == "" || req.cust == b.cfg.SuspectAccount {
		log.Debugf("No reply for %v", req.op.Common().GroupID)
		return nil
	}

	meta := req.op.Common()

	text := req.changeMemo
	if text == "" {
		text = req.reason
	}
	if !req.clean {
		text = fmt.Sprintf("%s | § %s%s", text, meta.ShortID, memoFooter)
	}

	if b.replied(meta, text) {
		log.Debugf("Reply for %v already sent", meta.GroupID)
		return nil
	}

	if b.replyAsTransfer(req) {
		return b.replyTransfer(ctx, req, text)
	}

	return b.replyCustomJson(ctx, req, text)
}

// replied reports whether an earlier run already sent this reply.
func (b *Bridge) replied(meta *ops.Meta, text string) bool {
	for _, reply := range meta.Replies {
		if reply.Message == text && reply.Error == "" {
			return true
		}
	}

	return false
}

// replyAsTransfer picks the channel: value goes out as a transfer
// unless the caller forced the json channel or the amount is under the
// dust threshold. Conversion payouts always travel as transfers.
func (b *Bridge) replyAsTransfer(req *replyRequest) bool {
	if req.amount.IsZero() || req.forceCustomJson {
		return false
	}
	if req.conversion {
		return true
	}
	if b.cfg.TinySats > 0 && req.msats > 0 &&
		req.msats/1000 <= b.cfg.TinySats {

		return false
	}

	return true
}

// replyTransfer broadcasts the reply as a hive transfer from the
// server account, clamped to what the books say the customer is owed.
func (b *Bridge) replyTransfer(ctx context.Context, req *replyRequest,
	text string) error {

	meta := req.op.Common()

	amount, err := b.clampToLiability(ctx, req.cust, req.amount)
	if err != nil {
		return err
	}

	result, err := b.cfg.Chain.SendTransfer(ctx, b.cfg.ServerAccount,
		req.cust, amount, text)
	if err != nil {
		log.Errorf("Reply transfer for %v failed: %v", meta.GroupID,
			err)

		queued := pending.NewTransfer(
			fmt.Sprintf("%s-reply", meta.GroupID),
			b.cfg.ServerAccount, req.cust, amount, text,
		)
		if qErr := b.cfg.Pending.SaveTransfer(ctx, queued); qErr != nil {
			return fmt.Errorf("queue reply for %v: %w", meta.GroupID,
				qErr)
		}

		b.recordReply(ctx, meta, ops.Reply{
			ReplyID: queued.UniqueKey,
			Type:    ops.ReplyTransfer,
			Msat:    req.msats,
			Error:   err.Error(),
			Message: text,
		})

		return nil
	}

	b.recordReply(ctx, meta, ops.Reply{
		ReplyID: result.TrxID,
		Type:    ops.ReplyTransfer,
		Msat:    req.msats,
		Message: text,
	})

	return nil
}

// clampToLiability caps a reply at the customer's liability balance so
// the bridge never sends out more than it owes, with a dust floor so a
// confirmation still reaches the customer when the books are already
// square.
func (b *Bridge) clampToLiability(ctx context.Context, cust string,
	amount money.Amount) (money.Amount, error) {

	balance, err := b.cfg.Balances.AccountBalance(ctx,
		b.customerLiability(cust), time.Time{}, 0)
	if err != nil {
		return amount, err
	}

	owed := balance.Unit(amount.Unit)
	if owed.GreaterThanOrEqual(amount.Value) {
		return amount, nil
	}

	floor := decimal.New(1, -3)
	if owed.LessThan(floor) {
		owed = floor
	}

	log.Warnf("Clamping reply to %v from %v to %v %v", cust,
		amount, owed, amount.Unit)

	return money.NewAmount(owed, amount.Unit), nil
}

// replyCustomJson broadcasts the reply on the json channel: the
// transfer id when sats moved, the notification id otherwise.
func (b *Bridge) replyCustomJson(ctx context.Context, req *replyRequest,
	text string) error {

	cjID := ops.KeepsatsNotificationID
	if req.msats > 0 {
		cjID = ops.KeepsatsTransferID
	}

	return b.broadcastCustomJson(ctx, req.op, cjID, ops.KeepsatsPayload{
		FromAccount: b.cfg.ServerAccount,
		ToAccount:   req.cust,
		Sats:        req.msats / 1000,
		Memo:        text,
	})
}

// sendKeepsatsJson broadcasts a keepsats balance movement custom_json,
// the receipts the conversion pipelines cut.
func (b *Bridge) sendKeepsatsJson(ctx context.Context, op ops.Op,
	payload ops.KeepsatsPayload) error {

	if b.replied(op.Common(), payload.Memo) {
		log.Debugf("Keepsats json for %v already sent",
			op.Common().GroupID)
		return nil
	}

	return b.broadcastCustomJson(ctx, op, ops.KeepsatsTransferID,
		payload)
}

// broadcastCustomJson signs and sends one custom_json, queueing it on
// failure and recording the outcome on the op.
func (b *Bridge) broadcastCustomJson(ctx context.Context, op ops.Op,
	cjID string, payload ops.KeepsatsPayload) error {

	meta := op.Common()

	result, err := b.cfg.Chain.SendCustomJson(ctx, cjID,
		[]string{b.cfg.ServerAccount}, nil, payload)
	if err != nil {
		log.Errorf("Custom json %v for %v failed: %v", cjID,
			meta.GroupID, err)

		encoded, mErr := json.Marshal(payload)
		if mErr != nil {
			return mErr
		}

		queued := pending.NewCustomJson(
			fmt.Sprintf("%s-cj-%s-%s", meta.GroupID,
				payload.FromAccount, payload.ToAccount),
			b.cfg.ServerAccount, cjID, string(encoded),
		)
		if qErr := b.cfg.Pending.SaveCustomJson(ctx, queued); qErr != nil {
			return fmt.Errorf("queue custom json for %v: %w",
				meta.GroupID, qErr)
		}

		b.recordReply(ctx, meta, ops.Reply{
			ReplyID: queued.UniqueKey,
			Type:    ops.ReplyCustomJson,
			Msat:    payload.Sats * 1000,
			Error:   err.Error(),
			Message: payload.Memo,
		})

		return nil
	}

	b.recordReply(ctx, meta, ops.Reply{
		ReplyID: result.TrxID,
		Type:    ops.ReplyCustomJson,
		Msat:    payload.Sats * 1000,
		Message: payload.Memo,
	})

	return nil
}

// recordReply appends a reply to the op in memory and in the store. A
// store failure is logged, not fatal: the broadcast already happened.
func (b *Bridge) recordReply(ctx context.Context, meta *ops.Meta,
	reply ops.Reply) {

	if !meta.AddReply(reply) {
		return
	}

	if _, err := b.cfg.Ops.AddReply(ctx, meta.GroupID, reply); err != nil {
		log.Errorf("Could not record reply %v on %v: %v",
			reply.ReplyID, meta.GroupID, err)
	}
}
