package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/v4vapp/hivebridge/money"
)

const (
	// DefaultSanityTimeout bounds one full run of every check.
	DefaultSanityTimeout = 5 * time.Second

	// DefaultChannelToleranceSats is the allowed drift between the
	// lnd channel balance and the external lightning payments
	// account when no tolerance is configured. Routing fees land on
	// the node a little ahead of their ledger entries.
	DefaultChannelToleranceSats int64 = 1000

	// serverToleranceMsats is the residual allowed on pass through
	// accounts, two satoshis of rounding slack.
	serverToleranceMsats int64 = 2000

	// passThroughSub is the sub account the internal keepsats
	// clearing balance moves through.
	passThroughSub = "keepsats"

	sanityIcon = "🧪"
)

// onChainTolerance is the HIVE and HBD difference allowed between the
// ledger's customer deposits and the server's on chain balances.
var onChainTolerance = decimal.New(1, -3)

// SanityCheckResult is the outcome of one invariant audit.
type SanityCheckResult struct {
	Name    string `json:"name"`
	IsValid bool   `json:"is_valid"`
	Details string `json:"details"`
}

// LogStr renders the one line log form of the result.
func (r SanityCheckResult) LogStr() string {
	status := "PASSED ✅"
	if !r.IsValid {
		status = "FAILED ❌"
	}

	return fmt.Sprintf("%v Sanity check %v %v: %v", sanityIcon,
		r.Name, status, r.Details)
}

// SanityCheckResults collects one run of every check.
type SanityCheckResults struct {
	CheckTime time.Time `json:"check_time"`

	Passed  []SanityCheckResult `json:"passed"`
	Failed  []SanityCheckResult `json:"failed"`
	Results []SanityCheckResult `json:"results"`
}

// OK is true when every check passed.
func (r *SanityCheckResults) OK() bool {
	return len(r.Failed) == 0
}

// LogStr summarises the run in one line.
func (r *SanityCheckResults) LogStr() string {
	if len(r.Failed) == 0 {
		return "PASSED"
	}

	parts := make([]string, 0, len(r.Failed))
	for _, result := range r.Failed {
		parts = append(parts, fmt.Sprintf("%v: %v", result.Name,
			result.Details))
	}

	return "FAILED: " + strings.Join(parts, "; ")
}

// SanityConfig supplies the audits with their inputs. Sources outside
// the ledger, the hive chain and lnd, are wired in as functions so the
// ledger does not import those clients.
type SanityConfig struct {
	// AccountBalance computes the current closing balance of one
	// ledger account.
	AccountBalance func(ctx context.Context, account Account) (
		*AccountBalance, error)

	// BalanceSheet aggregates the whole ledger as of now.
	BalanceSheet func(ctx context.Context) (*BalanceSheet, error)

	// ServerID is the hive account the daemon operates as.
	ServerID string

	// HiveBalances fetches the on chain HIVE and HBD balances of a
	// hive account.
	HiveBalances func(ctx context.Context, account string) (hive,
		hbd decimal.Decimal, err error)

	// LocalChannelSats fetches the summed local balance of every
	// open lnd channel in satoshis.
	LocalChannelSats func(ctx context.Context) (int64, error)

	// ChannelToleranceSats overrides the allowed drift between lnd
	// and the external lightning payments account. Zero selects the
	// default.
	ChannelToleranceSats int64

	// Timeout bounds one full run of every check. Zero selects the
	// default.
	Timeout time.Duration
}

// SanityConfigFromBalances fills the ledger reading fields of a sanity
// config from a balances service.
func SanityConfigFromBalances(balances *Balances) *SanityConfig {
	return &SanityConfig{
		AccountBalance: func(ctx context.Context,
			account Account) (*AccountBalance, error) {

			return balances.AccountBalance(
				ctx, account, time.Time{}, 0,
			)
		},
		BalanceSheet: func(ctx context.Context) (*BalanceSheet,
			error) {

			return balances.BalanceSheet(ctx, time.Time{})
		},
	}
}

// Sanity runs the ledger invariant audits.
type Sanity struct {
	cfg *SanityConfig
}

// NewSanity returns the audit runner for the given config.
func NewSanity(cfg *SanityConfig) *Sanity {
	return &Sanity{cfg: cfg}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}

// serverAccountBalances verifies that the keepsats clearing sub and the
// server's own sub on the lightning movements account carry no value.
// Everything that flows through them must flow out again.
func (s *Sanity) serverAccountBalances(
	ctx context.Context) SanityCheckResult {

	const name = "server_account_balances"

	if s.cfg.ServerID == "" {
		return SanityCheckResult{
			Name: name,
			Details: "Hive server account is not " +
				"configured.",
		}
	}

	subs := []string{passThroughSub, s.cfg.ServerID}

	var problems []string
	for _, sub := range subs {
		account := NewAsset("Keepsats Lightning Movements", sub)
		balance, err := s.cfg.AccountBalance(ctx, account)
		if err != nil {
			problems = append(problems, fmt.Sprintf(
				"Account '%v' check failed: %v", sub, err,
			))
			continue
		}

		msats := balance.NativeMsats()
		if absInt64(msats) > serverToleranceMsats {
			sats := decimal.NewFromInt(msats).
				Div(decimal.NewFromInt(1000))
			problems = append(problems, fmt.Sprintf(
				"Account '%v' has non zero balance: "+
					"%v sats", sub,
				formatAmount(sats, 3),
			))
		}
	}

	if len(problems) > 0 {
		return SanityCheckResult{
			Name:    name,
			Details: strings.Join(problems, "; "),
		}
	}

	return SanityCheckResult{
		Name:    name,
		IsValid: true,
		Details: fmt.Sprintf("Server account balances: %v sanity "+
			"check passed.", strings.Join(subs, ", ")),
	}
}

// balancedBalanceSheet verifies the accounting identity over the whole
// journal.
func (s *Sanity) balancedBalanceSheet(
	ctx context.Context) SanityCheckResult {

	const name = "balanced_balance_sheet"

	sheet, err := s.cfg.BalanceSheet(ctx)
	if err != nil {
		return SanityCheckResult{
			Name: name,
			Details: fmt.Sprintf("Failed to build balance "+
				"sheet: %v", err),
		}
	}

	tolText := fmt.Sprintf("%.1f",
		sheetToleranceMsats.InexactFloat64())

	if sheet.IsBalanced() {
		return SanityCheckResult{
			Name:    name,
			IsValid: true,
			Details: fmt.Sprintf("The balance sheet is "+
				"balanced (%v msats tolerance).", tolText),
		}
	}

	return SanityCheckResult{
		Name: name,
		Details: fmt.Sprintf("******* The balance sheet is NOT "+
			"balanced. Tolerance: %v msats. ********", tolText),
	}
}

// serverHiveBalances verifies that the ledger's customer deposits for
// the server account agree with the server's actual on chain balances.
func (s *Sanity) serverHiveBalances(
	ctx context.Context) SanityCheckResult {

	const name = "server_account_hive_balances"

	if s.cfg.ServerID == "" {
		return SanityCheckResult{
			Name: name,
			Details: "Hive server account is not " +
				"configured.",
		}
	}
	if s.cfg.HiveBalances == nil {
		return SanityCheckResult{
			Name: name,
			Details: "Hive balance source is not " +
				"configured.",
		}
	}

	account := NewAsset("Customer Deposits Hive", s.cfg.ServerID)

	balance, err := s.cfg.AccountBalance(ctx, account)
	if err != nil {
		return SanityCheckResult{
			Name: name,
			Details: fmt.Sprintf("Failed to check customer "+
				"deposits balance: %v", err),
		}
	}

	hiveActual, hbdActual, err := s.cfg.HiveBalances(
		ctx, s.cfg.ServerID,
	)
	if err != nil {
		return SanityCheckResult{
			Name: name,
			Details: fmt.Sprintf("Failed to check customer "+
				"deposits balance: %v", err),
		}
	}

	hiveDeposits := balance.Unit(money.HIVE)
	hbdDeposits := balance.Unit(money.HBD)

	hiveDelta := hiveDeposits.Sub(hiveActual)
	hbdDelta := hbdDeposits.Sub(hbdActual)

	hiveMatch := hiveDelta.Abs().LessThanOrEqual(onChainTolerance)
	hbdMatch := hbdDelta.Abs().LessThanOrEqual(onChainTolerance)

	if hiveMatch && hbdMatch {
		return SanityCheckResult{
			Name:    name,
			IsValid: true,
			Details: fmt.Sprintf("Server Hive balances match: "+
				"HIVE deposits %v, HBD deposits %v.",
				formatAmount(hiveDeposits, 3),
				formatAmount(hbdDeposits, 3)),
		}
	}

	return SanityCheckResult{
		Name: name,
		Details: fmt.Sprintf("Server Hive Mismatch: %v HIVE, "+
			"%v HBD; balances mismatch: HIVE deposits %v vs "+
			"actual %v, HBD deposits %v vs actual %v.",
			formatAmount(hiveDelta, 3),
			formatAmount(hbdDelta, 3),
			formatAmount(hiveDeposits, 3),
			formatAmount(hiveActual, 3),
			formatAmount(hbdDeposits, 3),
			formatAmount(hbdActual, 3)),
	}
}

// externalLightningDelta verifies that the external lightning payments
// account tracks the node's actual channel liquidity.
func (s *Sanity) externalLightningDelta(
	ctx context.Context) SanityCheckResult {

	const name = "external_lightning_delta"

	if s.cfg.LocalChannelSats == nil {
		return SanityCheckResult{
			Name: name,
			Details: "LND channel balance source is not " +
				"configured.",
		}
	}

	account := NewContraAsset("External Lightning Payments", "")

	balance, err := s.cfg.AccountBalance(ctx, account)
	if err != nil {
		return SanityCheckResult{
			Name: name,
			Details: fmt.Sprintf("Failed to check external "+
				"lightning payments balance: %v", err),
		}
	}

	localSats, err := s.cfg.LocalChannelSats(ctx)
	if err != nil {
		return SanityCheckResult{
			Name: name,
			Details: fmt.Sprintf("Failed to fetch LND "+
				"channel balance: %v", err),
		}
	}

	ledgerSats := balance.NativeMsats() / 1000
	delta := absInt64(localSats - ledgerSats)

	tolerance := s.cfg.ChannelToleranceSats
	if tolerance == 0 {
		tolerance = DefaultChannelToleranceSats
	}

	format := func(sats int64) string {
		return formatAmount(decimal.NewFromInt(sats), 0)
	}

	if delta <= tolerance {
		return SanityCheckResult{
			Name:    name,
			IsValid: true,
			Details: fmt.Sprintf("External Lightning Payments "+
				"matches LND local balance: ledger %v "+
				"sats, lnd %v sats (delta %v sats).",
				format(ledgerSats), format(localSats),
				format(delta)),
		}
	}

	return SanityCheckResult{
		Name: name,
		Details: fmt.Sprintf("External Lightning Payments does "+
			"not match LND local balance: ledger %v sats, "+
			"lnd %v sats, delta %v sats exceeds tolerance "+
			"%v sats.", format(ledgerSats), format(localSats),
			format(delta), format(tolerance)),
	}
}

// RunAll runs every check concurrently under the configured timeout and
// collects their results. A check that cannot finish in time fails with
// its context error rather than blocking the run.
func (s *Sanity) RunAll(ctx context.Context) *SanityCheckResults {
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = DefaultSanityTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	checks := []func(context.Context) SanityCheckResult{
		s.serverAccountBalances,
		s.balancedBalanceSheet,
		s.serverHiveBalances,
		s.externalLightningDelta,
	}

	run := make([]SanityCheckResult, len(checks))

	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run[i] = check(ctx)
		}()
	}
	wg.Wait()

	results := &SanityCheckResults{
		CheckTime: time.Now().UTC(),
	}
	for _, result := range run {
		results.Results = append(results.Results, result)
		if result.IsValid {
			results.Passed = append(results.Passed, result)
		} else {
			results.Failed = append(results.Failed, result)
		}
	}

	return results
}

// LogAll runs every check and logs the outcomes. Failures always log at
// warning level; passes log at info level only when logOnlyFailures is
// false. A non empty appendStr is attached to every logged line.
func (s *Sanity) LogAll(ctx context.Context, logOnlyFailures bool,
	appendStr string) *SanityCheckResults {

	results := s.RunAll(ctx)

	if appendStr != "" {
		appendStr = " " + appendStr
	}

	for _, result := range results.Results {
		if !result.IsValid {
			log.Warnf("%v%v", result.LogStr(), appendStr)
			continue
		}

		if !logOnlyFailures {
			log.Infof("%v%v", result.LogStr(), appendStr)
		}
	}

	return results
}
