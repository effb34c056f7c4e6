package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// holdKeepsats parks msats of the customer's balance on the hold sub
// account while a payment funded by them is in flight, so a second
// request cannot spend the same sats.
func (b *Bridge) holdKeepsats(ctx context.Context, op ops.Op,
	cust string, msats int64) error {

	meta := op.Common()

	quote, err := b.quoteFor(ctx, op)
	if err != nil {
		return err
	}

	conv, err := money.ConvFromMsats(msats, quote)
	if err != nil {
		return err
	}

	amount := money.MsatsAmount(msats)

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", meta.GroupID,
			ledger.HoldKeepsats),
		ShortID:   meta.ShortID,
		Type:      ledger.HoldKeepsats,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Hold Keepsats %s sats for %s",
			humanize.Comma(msats/1000), cust),
		CustID:       cust,
		Debit:        b.vscLiability(cust),
		Credit:       b.vscLiability(subKeepsats),
		DebitAmount:  amount,
		CreditAmount: amount,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         opLink(op),
	})

	return err
}

// releaseKeepsats reverses the hold cut for the op's group, returning
// the held sats to the customer. A payment settled by spending the
// hold releases it the same way; the spend entry then debits the
// customer. A missing hold is logged and ignored so replays of a
// pipeline that never held stay clean.
func (b *Bridge) releaseKeepsats(ctx context.Context, op ops.Op,
	cust string) error {

	meta := op.Common()
	holdID := fmt.Sprintf("%s-%s", meta.GroupID, ledger.HoldKeepsats)

	hold, err := b.cfg.Ledger.GetEntry(ctx, holdID)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		log.Debugf("No hold to release for %v", meta.GroupID)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", meta.GroupID,
			ledger.ReleaseKeepsats),
		ShortID:   meta.ShortID,
		Type:      ledger.ReleaseKeepsats,
		Timestamp: meta.Timestamp,
		Description: fmt.Sprintf("Release Keepsats for %s",
			cust),
		CustID: cust,
		Debit:  hold.Credit,
		Credit: hold.Debit,
		DebitAmount: money.NewAmount(hold.CreditAmount,
			hold.CreditUnit),
		CreditAmount: money.NewAmount(hold.DebitAmount,
			hold.DebitUnit),
		DebitConv:  hold.CreditConv,
		CreditConv: hold.DebitConv,
		Link:         opLink(op),
	})

	return err
}
