package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/ops"
)

// Dispatch runs one tracked operation through its pipeline. The op is
// serialized behind its group id lock and then its customer lock, so
// two supervisors delivering the same event race harmlessly and
// concurrent events for one customer queue up. The op is stamped as
// processed once its pipeline has run, succeeded or not; a failed
// pipeline records its error rather than replaying forever. An op
// whose customer lock could not be taken stays unstamped so a later
// delivery retries it.
func (b *Bridge) Dispatch(ctx context.Context, op ops.Op) error {
	meta := op.Common()

	if b.skip(op) {
		return nil
	}

	if meta.Processed() {
		log.Debugf("Op %v already processed at %v", meta.GroupID,
			meta.ProcessTime)
		return nil
	}

	return b.cfg.Locks.WithLock(ctx, meta.GroupID,
		func(ctx context.Context) error {
			return b.dispatchLocked(ctx, op)
		},
	)
}

// skip filters ops that never reach a pipeline: stream position
// markers, foreign custom_jsons, and the bridge's own notification
// custom_jsons coming back off the chain.
func (b *Bridge) skip(op ops.Op) bool {
	switch concrete := op.(type) {
	case *ops.BlockMarker:
		return true

	case *ops.CustomJson:
		if !concrete.Recognized() {
			return true
		}
		if concrete.CJID == ops.KeepsatsNotificationID {
			log.Debugf("Skipping notification custom_json %v",
				concrete.GroupID)
			return true
		}
	}

	return false
}

// dispatchLocked runs under the group id lock: it re-checks whether a
// previous run already finished the op, prices it, saves it, and hands
// it to the pipeline under the customer lock.
func (b *Bridge) dispatchLocked(ctx context.Context, op ops.Op) error {
	meta := op.Common()

	// A crashed run may have cut entries without stamping the op. If
	// both the stamp and entries exist there is nothing left to do;
	// with only entries, the pipeline re-runs and its upserts absorb
	// the duplicates.
	if stored, err := b.cfg.Ops.Load(ctx, meta.GroupID); err == nil {
		if stored.Common().Processed() {
			log.Debugf("Op %v processed by an earlier run",
				meta.GroupID)
			return nil
		}

		// Carry over the replies and conv of a partial run.
		meta.Replies = stored.Common().Replies
		if meta.Conv.IsZero() {
			meta.Conv = stored.Common().Conv
		}
	}

	if err := b.priceOp(ctx, op); err != nil {
		return fmt.Errorf("price op %v: %w", meta.GroupID, err)
	}

	if meta.CustID == "" {
		meta.CustID = b.custID(op)
	}

	if err := b.cfg.Ops.Save(ctx, op); err != nil {
		return fmt.Errorf("save op %v: %w", meta.GroupID, err)
	}

	var pipelineRan bool
	err := b.cfg.Locks.WithLock(ctx, meta.CustID,
		func(ctx context.Context) error {
			pipelineRan = true
			return b.route(ctx, op)
		},
	)
	if err != nil {
		log.Errorf("Pipeline for %v (%v): %v", meta.GroupID,
			meta.OpType, err)
	}

	// A customer lock that could not be taken never ran the pipeline;
	// leave the op unstamped so a redelivery or the sweep retries it.
	// An op whose pipeline ran is finished even when it failed: the
	// error is logged and the failure stays visible on its replies.
	if !pipelineRan {
		return err
	}

	stampErr := b.cfg.Ops.SetProcessed(ctx, meta.GroupID,
		time.Now().UTC())
	if stampErr != nil {
		log.Errorf("Could not stamp op %v processed: %v",
			meta.GroupID, stampErr)
	}

	return err
}

// custID names the customer an op belongs to, for locking and for the
// cust_id stamped on its ledger entries. Ops with no identifiable
// customer lock on a fresh uuid so they still serialize against
// themselves.
func (b *Bridge) custID(op ops.Op) string {
	switch concrete := op.(type) {
	case *ops.Transfer:
		return transferCustomer(concrete, b.cfg.ServerAccount)

	case *ops.RecurrentTransfer:
		return transferCustomer(&concrete.Transfer,
			b.cfg.ServerAccount)

	case *ops.FillRecurrentTransfer:
		return transferCustomer(&concrete.Transfer,
			b.cfg.ServerAccount)

	case *ops.CustomJson:
		if concrete.Keepsats != nil {
			return concrete.Keepsats.FromAccount
		}

	case *ops.Invoice:
		if concrete.CustomRecords.HiveAccname != "" {
			return concrete.CustomRecords.HiveAccname
		}

	case *ops.Payment:
		if concrete.CustomRecords.HiveAccname != "" {
			return concrete.CustomRecords.HiveAccname
		}

	case *ops.LimitOrderCreate:
		return concrete.Owner

	case *ops.FillOrder:
		return concrete.OpenOwner
	}

	return uuid.NewString()
}

// transferCustomer is the non-server party of a transfer, or the
// sender when the server is not involved at all.
func transferCustomer(transfer *ops.Transfer, server string) string {
	if transfer.From == server {
		return transfer.To
	}

	return transfer.From
}

// route hands the op to the pipeline for its type. Types the bridge
// only observes are logged and done.
func (b *Bridge) route(ctx context.Context, op ops.Op) error {
	switch concrete := op.(type) {
	case *ops.Transfer:
		return b.processTransfer(ctx, concrete)

	case *ops.RecurrentTransfer:
		// The schedule itself moves no funds; the fills do.
		log.Infof("%v", concrete.LogLine())
		return nil

	case *ops.FillRecurrentTransfer:
		return b.processTransfer(ctx, &concrete.Transfer)

	case *ops.CustomJson:
		return b.processCustomJson(ctx, concrete)

	case *ops.LimitOrderCreate:
		return b.processLimitOrder(ctx, concrete)

	case *ops.FillOrder:
		return b.processFillOrder(ctx, concrete)

	case *ops.Invoice:
		return b.processInvoice(ctx, concrete)

	case *ops.Payment:
		return b.processPayment(ctx, concrete)

	default:
		log.Infof("%v", op.LogLine())
		return nil
	}
}

// saveEntry cuts one journal entry, logging its journal line the way
// the books are audited.
func (b *Bridge) saveEntry(ctx context.Context,
	params ledger.EntryParams) (*ledger.Entry, error) {

	entry, err := ledger.NewEntry(params)
	if err != nil {
		return nil, err
	}

	if err := b.cfg.Ledger.Save(ctx, entry); err != nil {
		return nil, fmt.Errorf("save entry %v: %w", entry.GroupID, err)
	}

	log.Infof("%v", entry.LogLine())

	return entry, nil
}

// opEntries lists the entries already cut for an op's group.
func (b *Bridge) opEntries(ctx context.Context, groupID string) (
	[]*ledger.Entry, error) {

	return b.cfg.Ledger.FindEntries(ctx, ledger.EntryFilter{
		GroupIDPrefix: groupID,
	})
}
