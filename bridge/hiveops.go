package bridge

import (
	"context"
	"fmt"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/money"
	"github.com/v4vapp/hivebridge/ops"
)

// accountRole classifies a hive account for the transfer matrix.
type accountRole int

const (
	roleCustomer accountRole = iota
	roleServer
	roleTreasury
	roleFunding
	roleExchange
)

func (b *Bridge) role(account string) accountRole {
	switch {
	case account == b.cfg.ServerAccount:
		return roleServer

	case account != "" && account == b.cfg.TreasuryAccount:
		return roleTreasury

	case account != "" && account == b.cfg.FundingAccount:
		return roleFunding

	case b.isExchangeAccount(account):
		return roleExchange

	default:
		return roleCustomer
	}
}

// processTransfer books a hive transfer according to who sent it to
// whom. Customer deposits fan out into the memo-routed pipelines;
// movements between the operator's own accounts are plain internal
// entries.
func (b *Bridge) processTransfer(ctx context.Context,
	transfer *ops.Transfer) error {

	log.Infof("%v", transfer.LogLine())

	from, to := b.role(transfer.From), b.role(transfer.To)

	switch {
	case from == roleCustomer && to == roleServer:
		return b.customerIn(ctx, transfer)

	case from == roleServer && to == roleCustomer:
		return b.customerOut(ctx, transfer)

	case from == roleServer && to == roleTreasury:
		return b.internalEntry(ctx, transfer, ledger.ServerToTreasury,
			b.treasuryHive(), b.customerDeposits())

	case from == roleTreasury && to == roleServer:
		return b.internalEntry(ctx, transfer, ledger.TreasuryToServer,
			b.customerDeposits(), b.treasuryHive())

	case from == roleFunding && to == roleTreasury:
		return b.internalEntry(ctx, transfer, ledger.Funding,
			b.treasuryHive(), b.ownerLoan())

	case from == roleTreasury && to == roleFunding:
		return b.internalEntry(ctx, transfer, ledger.TreasuryToFunding,
			b.ownerLoan(), b.treasuryHive())

	case from == roleTreasury && to == roleExchange:
		return b.internalEntry(ctx, transfer,
			ledger.TreasuryToExchange,
			b.exchangeDeposits(transfer.To), b.treasuryHive())

	case from == roleExchange && to == roleTreasury:
		return b.internalEntry(ctx, transfer,
			ledger.ExchangeToTreasury, b.treasuryHive(),
			b.exchangeDeposits(transfer.From))

	case from == roleServer && to == roleExchange:
		return b.internalEntry(ctx, transfer, ledger.ServerToExchange,
			b.exchangeDeposits(transfer.To), b.customerDeposits())

	default:
		log.Debugf("Transfer %v does not touch a bridge account",
			transfer.GroupID)
		return nil
	}
}

// internalEntry books a transfer between two of the operator's own
// accounts: the same amount on both sides, priced once.
func (b *Bridge) internalEntry(ctx context.Context,
	transfer *ops.Transfer, entryType ledger.EntryType, debit,
	credit ledger.Account) error {

	_, err := b.saveEntry(ctx, ledger.EntryParams{
		GroupID:   fmt.Sprintf("%s-%s", transfer.GroupID, entryType),
		ShortID:   transfer.ShortID,
		Type:      entryType,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("%s to %s %s", transfer.From,
			transfer.To, transfer.Amount),
		CustID:       transfer.CustID,
		Debit:        debit,
		Credit:       credit,
		DebitAmount:  transfer.Amount,
		CreditAmount: transfer.Amount,
		DebitConv:    transfer.Conv,
		CreditConv:   transfer.Conv,
		Link:         transfer.Link(),
	})

	return err
}

// customerIn books an inbound customer transfer and routes the memo.
// Value from bad actors is parked on the suspect account and no
// pipeline runs for it.
func (b *Bridge) customerIn(ctx context.Context,
	transfer *ops.Transfer) error {

	cust := transfer.From

	if b.isBadActor(ctx, cust) {
		log.Warnf("Bad actor %v sent %v", cust, transfer.Amount)

		_, err := b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s", transfer.GroupID,
				ledger.Suspicious),
			ShortID:   transfer.ShortID,
			Type:      ledger.Suspicious,
			Timestamp: transfer.Timestamp,
			Description: fmt.Sprintf("Suspicious account "+
				"transaction: %s is on the bad accounts list",
				cust),
			CustID:       b.cfg.SuspectAccount,
			Debit:        b.customerDeposits(),
			Credit:       b.customerLiability(b.cfg.SuspectAccount),
			DebitAmount:  transfer.Amount,
			CreditAmount: transfer.Amount,
			DebitConv:    transfer.Conv,
			CreditConv:   transfer.Conv,
			Link:         transfer.Link(),
		})

		return err
	}

	_, err := b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", transfer.GroupID,
			ledger.CustomerHiveIn),
		ShortID:   transfer.ShortID,
		Type:      ledger.CustomerHiveIn,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Deposit: %s",
			memo.Shorten(transfer.DMemo)),
		UserMemo:     transfer.DMemo,
		CustID:       cust,
		Debit:        b.customerDeposits(),
		Credit:       b.customerLiability(cust),
		DebitAmount:  transfer.Amount,
		CreditAmount: transfer.Amount,
		DebitConv:    transfer.Conv,
		CreditConv:   transfer.Conv,
		Link:         transfer.Link(),
	})
	if err != nil {
		return err
	}

	classified := memo.Classify(transfer.DMemo)

	switch classified.Route() {
	case memo.RoutePayInvoice, memo.RoutePayAddress:
		return b.payLightning(ctx, transfer, classified)

	case memo.RouteKeepSats:
		return b.depositKeepsats(ctx, transfer)

	case memo.RouteConvertKeepSats:
		return b.withdrawKeepsats(ctx, transfer, classified)

	default:
		// A plain deposit just gets its receipt.
		return b.reply(ctx, &replyRequest{
			op:     transfer,
			cust:   cust,
			reason: fmt.Sprintf("Deposit: %s", transfer.Amount),

			forceCustomJson: true,
		})
	}
}

// customerOut books an outbound transfer from the server, which
// includes the bridge's own change and refund replies coming back off
// the block stream.
func (b *Bridge) customerOut(ctx context.Context,
	transfer *ops.Transfer) error {

	_, err := b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", transfer.GroupID,
			ledger.CustomerHiveOut),
		ShortID:   transfer.ShortID,
		Type:      ledger.CustomerHiveOut,
		Timestamp: transfer.Timestamp,
		Description: fmt.Sprintf("Withdrawal: %s",
			memo.Shorten(transfer.DMemo)),
		UserMemo:     transfer.DMemo,
		CustID:       transfer.To,
		Debit:        b.customerLiability(transfer.To),
		Credit:       b.customerDeposits(),
		DebitAmount:  transfer.Amount,
		CreditAmount: transfer.Amount,
		DebitConv:    transfer.Conv,
		CreditConv:   transfer.Conv,
		Link:         transfer.Link(),
	})

	return err
}

// processLimitOrder escrows the sold side of an internal market order
// placed by one of the operator's accounts.
func (b *Bridge) processLimitOrder(ctx context.Context,
	order *ops.LimitOrderCreate) error {

	var source ledger.Account
	switch b.role(order.Owner) {
	case roleServer:
		source = b.customerDeposits()

	case roleTreasury:
		source = b.treasuryHive()

	default:
		log.Debugf("Order %v by untracked owner %v", order.OrderID,
			order.Owner)
		return nil
	}

	quote, err := b.quoteFor(ctx, order)
	if err != nil {
		return err
	}

	conv, err := money.NewConv(order.AmountToSell, quote)
	if err != nil {
		return err
	}

	_, err = b.saveEntry(ctx, ledger.EntryParams{
		GroupID: fmt.Sprintf("%s-%s", order.GroupID,
			ledger.LimitOrderCreate),
		ShortID:   order.ShortID,
		Type:      ledger.LimitOrderCreate,
		Timestamp: order.Timestamp,
		Description: fmt.Sprintf("Limit order %d: sell %s for %s",
			order.OrderID, order.AmountToSell, order.MinToReceive),
		CustID:       order.Owner,
		Debit:        b.escrowHive(),
		Credit:       source,
		DebitAmount:  order.AmountToSell,
		CreditAmount: order.AmountToSell,
		DebitConv:    conv,
		CreditConv:   conv,
		Link:         order.Link(),
	})

	return err
}

// processFillOrder books an internal market fill for each of the
// operator's accounts involved. The paid side leaves escrow and the
// received side lands in the account's deposits, both passing through
// the Converted Hive Offset so each entry stays single-currency; the
// offset carries the market-versus-oracle residual.
func (b *Bridge) processFillOrder(ctx context.Context,
	fill *ops.FillOrder) error {

	sides := []struct {
		owner          string
		paid, received money.Amount
	}{
		{fill.CurrentOwner, fill.CurrentPays, fill.OpenPays},
		{fill.OpenOwner, fill.OpenPays, fill.CurrentPays},
	}

	for _, side := range sides {
		var source ledger.Account
		switch b.role(side.owner) {
		case roleServer:
			source = b.customerDeposits()

		case roleTreasury:
			source = b.treasuryHive()

		default:
			continue
		}

		quote, err := b.quoteFor(ctx, fill)
		if err != nil {
			return err
		}

		paidConv, err := money.NewConv(side.paid, quote)
		if err != nil {
			return err
		}

		receivedConv, err := money.NewConv(side.received, quote)
		if err != nil {
			return err
		}

		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s-%s", fill.GroupID,
				ledger.FillOrderSell, side.owner),
			ShortID:   fill.ShortID,
			Type:      ledger.FillOrderSell,
			Timestamp: fill.Timestamp,
			Description: fmt.Sprintf("Fill order %d: %s out of "+
				"escrow", fill.OpenOrderID, side.paid),
			CustID:       side.owner,
			Debit:        b.convertedHiveOffset(),
			Credit:       b.escrowHive(),
			DebitAmount:  side.paid,
			CreditAmount: side.paid,
			DebitConv:    paidConv,
			CreditConv:   paidConv,
			Link:         fill.Link(),
		})
		if err != nil {
			return err
		}

		_, err = b.saveEntry(ctx, ledger.EntryParams{
			GroupID: fmt.Sprintf("%s-%s-%s", fill.GroupID,
				ledger.FillOrderBuy, side.owner),
			ShortID:   fill.ShortID,
			Type:      ledger.FillOrderBuy,
			Timestamp: fill.Timestamp,
			Description: fmt.Sprintf("Fill order %d: received %s",
				fill.OpenOrderID, side.received),
			CustID:       side.owner,
			Debit:        source,
			Credit:       b.convertedHiveOffset(),
			DebitAmount:  side.received,
			CreditAmount: side.received,
			DebitConv:    receivedConv,
			CreditConv:   receivedConv,
			Link:         fill.Link(),
		})
		if err != nil {
			return err
		}
	}

	return nil
}
