package pending

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/money"
)

// defaultInterval is how often the resender scans the queue.
const defaultInterval = time.Minute

// Chain is the hive surface the resender broadcasts through.
type Chain interface {
	// GetAccount reads the server account's on chain balances.
	GetAccount(ctx context.Context, name string) (*hive.Account, error)

	// SendTransfer broadcasts a token transfer.
	SendTransfer(ctx context.Context, from, to string,
		amount money.Amount, memo string) (*hive.BroadcastResult,
		error)

	// SendCustomJson broadcasts a custom_json operation.
	SendCustomJson(ctx context.Context, id string, requiredAuths,
		requiredPostingAuths []string,
		payload interface{}) (*hive.BroadcastResult, error)
}

// Queue is the slice of the store the resender drains.
type Queue interface {
	// Transfers lists queued transfers in insertion order.
	Transfers(ctx context.Context) ([]*Transfer, error)

	// CustomJsons lists queued custom_jsons in insertion order.
	CustomJsons(ctx context.Context) ([]*CustomJson, error)

	// Delete removes a sent entry.
	Delete(ctx context.Context, id primitive.ObjectID) error

	// BumpResend records a failed broadcast attempt.
	BumpResend(ctx context.Context, id primitive.ObjectID) error
}

// ResenderConfig holds the resender's dependencies.
type ResenderConfig struct {
	Store Queue
	Chain Chain

	// ServerAccount is the account whose balances fund queued
	// transfers.
	ServerAccount string

	// Interval between queue scans, zero for the default.
	Interval time.Duration
}

// Resender periodically drains the pending queue. Transfers only go
// out while the server balance covers them, walking the queue in
// insertion order so an early large transfer does not starve behind
// later small ones it would fund. Custom_jsons carry no value and
// always go out.
type Resender struct {
	cfg ResenderConfig
}

// NewResender returns a resender over the given queue.
func NewResender(cfg *ResenderConfig) *Resender {
	resender := &Resender{cfg: *cfg}
	if resender.cfg.Interval == 0 {
		resender.cfg.Interval = defaultInterval
	}

	return resender
}

// Run scans the queue until the context ends. Scan errors are logged
// and the next tick tries again.
func (r *Resender) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				log.Errorf("Pending queue scan: %v", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single pass over the queue.
func (r *Resender) RunOnce(ctx context.Context) error {
	if err := r.resendTransfers(ctx); err != nil {
		return err
	}

	return r.resendCustomJsons(ctx)
}

// resendTransfers sends every due transfer the server balance covers.
func (r *Resender) resendTransfers(ctx context.Context) error {
	transfers, err := r.cfg.Store.Transfers(ctx)
	if err != nil {
		return err
	}

	if len(transfers) == 0 {
		log.Debugf("No pending transfers to resend")
		return nil
	}

	log.Infof("Resending %d pending transfers", len(transfers))

	account, err := r.cfg.Chain.GetAccount(ctx, r.cfg.ServerAccount)
	if err != nil {
		return err
	}

	balances := map[money.Currency]money.Amount{
		money.HIVE: account.HiveBalance,
		money.HBD:  account.HBDBalance,
	}

	now := time.Now().UTC()

	for _, transfer := range transfers {
		if !transfer.Due(now) {
			log.Debugf("Transfer %v backing off after %d attempts",
				transfer.UniqueKey, transfer.ResendAttempt)
			continue
		}

		balance, ok := balances[transfer.Amount.Unit]
		if !ok {
			log.Warnf("Pending transfer %v has unsupported "+
				"currency %v", transfer.UniqueKey,
				transfer.Amount.Unit)
			continue
		}

		if balance.LessThan(transfer.Amount) {
			log.Warnf("Insufficient %v balance to resend pending "+
				"transactions. Required: %v, Available: %v",
				transfer.Amount.Unit, transfer.Amount, balance)
			continue
		}

		remaining, err := balance.Sub(transfer.Amount)
		if err != nil {
			return err
		}
		balances[transfer.Amount.Unit] = remaining

		r.sendTransfer(ctx, transfer)
	}

	return nil
}

// sendTransfer broadcasts one transfer, dequeueing on success.
func (r *Resender) sendTransfer(ctx context.Context, transfer *Transfer) {
	if transfer.NoBroadcast {
		log.Infof("Nobroadcast entry, dropping pending transfer %v",
			transfer)

		r.dequeue(ctx, transfer.ID)

		return
	}

	result, err := r.cfg.Chain.SendTransfer(
		ctx, transfer.FromAccount, transfer.ToAccount,
		transfer.Amount, transfer.Memo,
	)
	if err != nil {
		log.Warnf("Failed to resend pending transaction %v: %v",
			transfer, err)

		if err := r.cfg.Store.BumpResend(ctx, transfer.ID); err != nil {
			log.Errorf("Recording resend attempt %v: %v",
				transfer.UniqueKey, err)
		}

		return
	}

	log.Infof("Resent pending transaction %v, trx: %v", transfer,
		result.TrxID)

	r.dequeue(ctx, transfer.ID)
}

// resendCustomJsons sends every due custom_json. No balance gate, a
// custom_json always proceeds.
func (r *Resender) resendCustomJsons(ctx context.Context) error {
	customJsons, err := r.cfg.Store.CustomJsons(ctx)
	if err != nil {
		return err
	}

	if len(customJsons) == 0 {
		log.Debugf("No pending custom_jsons to resend")
		return nil
	}

	log.Infof("Resending %d pending custom_jsons", len(customJsons))

	now := time.Now().UTC()

	for _, customJson := range customJsons {
		if !customJson.Active || !customJson.Due(now) {
			continue
		}

		if customJson.JSON == "" {
			log.Warnf("Skipping custom_json %v with no payload",
				customJson)
			continue
		}

		r.sendCustomJson(ctx, customJson)
	}

	return nil
}

// sendCustomJson broadcasts one custom_json, dequeueing on success.
func (r *Resender) sendCustomJson(ctx context.Context,
	customJson *CustomJson) {

	if customJson.NoBroadcast {
		log.Infof("Nobroadcast entry, dropping pending custom_json %v",
			customJson)

		r.dequeue(ctx, customJson.ID)

		return
	}

	result, err := r.cfg.Chain.SendCustomJson(
		ctx, customJson.CJID, []string{customJson.SendAccount},
		nil, customJson.JSON,
	)
	if err != nil {
		log.Warnf("Failed to resend pending custom_json %v: %v",
			customJson, err)

		err := r.cfg.Store.BumpResend(ctx, customJson.ID)
		if err != nil {
			log.Errorf("Recording resend attempt %v: %v",
				customJson.UniqueKey, err)
		}

		return
	}

	log.Infof("Resent pending custom_json %v, trx: %v", customJson,
		result.TrxID)

	r.dequeue(ctx, customJson.ID)
}

// dequeue drops a sent entry from the queue.
func (r *Resender) dequeue(ctx context.Context, id primitive.ObjectID) {
	if err := r.cfg.Store.Delete(ctx, id); err != nil {
		log.Errorf("Dequeueing %v: %v", id.Hex(), err)
	}
}
