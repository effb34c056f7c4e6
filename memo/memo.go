// Package memo classifies the free text memos that ride on Hive
// transfers and Lightning invoices. A memo can carry a bolt11 payment
// request, a lightning address, routing tags like #sats or
// #convertkeepsats, or nothing of interest. Classification probes
// every pattern once and the caller routes on the result.
package memo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// invoicePattern finds a bolt11 payment request anywhere in a memo.
// The amount token is digits with an optional m/u/n/p multiplier so a
// bare fragment like lnbc12340n does not pass as a full invoice by
// consuming a digit 1 inside the amount.
var invoicePattern = regexp.MustCompile(
	`(?is)^(?P<before>.*?)` +
		`(?P<invoice>(?:lnbc|lntb|lnbcrt)(?:\d+[munp]?)?` +
		`1[0-9ac-hj-np-zAC-HJ-NP-Z]+[0-9a-zA-Z]+)` +
		`(?P<after>.*)$`,
)

// addressPattern finds a lightning address anywhere in a memo, with
// an optional bolt emoji or lightning: prefix in front of it.
var addressPattern = regexp.MustCompile(
	`(?is)^(?P<before>.*?)(?:⚡️|⚡|lightning:)?` +
		`(?P<address>[A-Za-z0-9_+%\-]+(?:\.[A-Za-z0-9_+%\-]+)*@` +
		`(?:[A-Za-z0-9](?:[A-Za-z0-9\-]{0,61}[A-Za-z0-9])?\.)+` +
		`[A-Za-z]{2,63})` +
		`(?P<after>.*)$`,
)

// fragmentPattern finds a bare invoice amount prefix, the stub left
// when a memo was truncated.
var fragmentPattern = regexp.MustCompile(`(?i)lnbc\d+[a-zA-Z]`)

// convertPattern pulls the optional sats amount and target account
// off a #convertkeepsats withdrawal request, written as
// "<amount> [@<account>] #convertkeepsats".
var convertPattern = regexp.MustCompile(
	`(?i)([\d,]+)? ?(@\w+)? ?#convertkeepsats`,
)

const (
	shortHead = 12
	shortTail = 5

	// fullInvoiceMin is the shortest match treated as a complete
	// payment request. Anything at or under the shortened form's own
	// length is a fragment.
	fullInvoiceMin = shortHead + shortTail + 3
)

// Route is the pipeline a memo selects.
type Route int

const (
	// RouteNone routes nowhere, the memo is plain text.
	RouteNone Route = iota

	// RoutePayInvoice pays the bolt11 invoice in the memo.
	RoutePayInvoice

	// RoutePayAddress resolves the lightning address and pays it.
	RoutePayAddress

	// RouteConvertKeepSats withdraws a keepsats balance to Hive.
	RouteConvertKeepSats

	// RouteKeepSats credits the received amount to the sender's
	// keepsats balance.
	RouteKeepSats

	// RouteHBD converts the received amount to HBD.
	RouteHBD
)

// String returns the route name for logging.
func (r Route) String() string {
	switch r {
	case RoutePayInvoice:
		return "pay_invoice"
	case RoutePayAddress:
		return "pay_address"
	case RouteConvertKeepSats:
		return "convert_keepsats"
	case RouteKeepSats:
		return "keepsats"
	case RouteHBD:
		return "hbd"
	default:
		return "none"
	}
}

// Memo is the classification of one free text memo.
type Memo struct {
	// Original is the memo as it arrived.
	Original string

	// Text is the memo classification ran on: the original with a
	// stray hash before a pasted invoice removed.
	Text string

	// Invoice is the bolt11 payment request found, if any.
	Invoice string

	// Address is the lightning address found, if any.
	Address string

	// Before and After are the text around the payable.
	Before string
	After  string

	// Short is the memo rendered for embedding in replies.
	Short string

	// KeepSats is set by #sats or #keepsats tags or prefixes: the
	// sender wants the amount held as sats.
	KeepSats bool

	// PayWithSats is set by #paywithsats: fund the payment from the
	// sender's keepsats balance.
	PayWithSats bool

	// HBD is set by #hbd: the sender wants HBD rather than HIVE.
	HBD bool

	// ConvertKeepSats is set by #convertkeepsats: withdraw a keepsats
	// balance back to Hive.
	ConvertKeepSats bool

	// ConvertAmount is the sats amount on a #convertkeepsats request,
	// zero when unspecified.
	ConvertAmount int64

	// ConvertAccount is the target account on a #convertkeepsats
	// request, empty meaning the sender.
	ConvertAccount string
}

// IsLightning reports whether the memo carries something payable.
func (m Memo) IsLightning() bool {
	return m.Invoice != "" || m.Address != ""
}

// Route returns the pipeline the memo selects. Precedence: a payable
// wins, since tags only qualify how to pay it, then the explicit
// withdrawal tag, then the deposit tags.
func (m Memo) Route() Route {
	switch {
	case m.Invoice != "":
		return RoutePayInvoice

	case m.Address != "":
		return RoutePayAddress

	case m.ConvertKeepSats:
		return RouteConvertKeepSats

	case m.KeepSats:
		return RouteKeepSats

	case m.HBD:
		return RouteHBD

	default:
		return RouteNone
	}
}

// IsEncrypted reports whether a memo looks like a Hive encrypted
// blob, which opens with a hash. Plain memos can open with a routing
// tag's hash too, so callers try decryption and classify the raw text
// when it fails. An invoice pasted behind a stray hash is not
// encrypted.
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, "#") &&
		!strings.HasPrefix(text, "#lnbc")
}

// Classify probes a memo with every recognized pattern.
func Classify(text string) Memo {
	m := Memo{Original: text}

	// Drop the stray hash off a pasted invoice.
	if strings.HasPrefix(text, "#lnbc") {
		text = text[1:]
	}

	m.Text = text
	lower := strings.ToLower(text)

	m.KeepSats = strings.Contains(lower, "#sats") ||
		strings.HasPrefix(lower, "sats") ||
		strings.Contains(lower, "#keepsats") ||
		strings.HasPrefix(lower, "keepsats")
	m.PayWithSats = strings.Contains(lower, "#paywithsats")
	m.HBD = strings.Contains(lower, "#hbd")
	m.ConvertKeepSats = strings.Contains(lower, "#convertkeepsats")

	if m.ConvertKeepSats {
		m.ConvertAmount, m.ConvertAccount = convertDetails(text)
	}

	if match := invoicePattern.FindStringSubmatch(text); match != nil {
		if invoice := match[2]; len(invoice) > fullInvoiceMin {
			m.Before = match[1]
			m.Invoice = invoice
			m.After = match[3]
			m.Short = Shorten(invoice)

			return m
		}
	}

	if match := addressPattern.FindStringSubmatch(text); match != nil {
		m.Before = match[1]
		m.Address = match[2]
		m.After = match[3]
		m.Short = Shorten(m.Address)

		return m
	}

	if text != "" {
		m.Short = Shorten(text)
	}

	return m
}

// convertDetails parses the amount and account qualifying a
// #convertkeepsats request.
func convertDetails(text string) (int64, string) {
	match := convertPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, ""
	}

	var amount int64
	if match[1] != "" {
		parsed, err := strconv.ParseInt(
			strings.ReplaceAll(match[1], ",", ""), 10, 64,
		)
		if err != nil {
			log.Debugf("Unparseable convert amount %q: %v",
				match[1], err)
		} else {
			amount = parsed
		}
	}

	return amount, strings.TrimPrefix(match[2], "@")
}

// Shorten renders a memo for embedding in replies. A full payment
// request collapses to its head and tail behind a bolt, a bare amount
// fragment keeps the memo's tail, and plain text gets a chat bubble.
func Shorten(text string) string {
	if match := invoicePattern.FindStringSubmatch(text); match != nil {
		if invoice := match[2]; len(invoice) > fullInvoiceMin {
			return shortenPayable(invoice)
		}
	}

	// A fragment already shortened once is left alone.
	for _, loc := range fragmentPattern.FindAllStringIndex(text, -1) {
		if strings.HasPrefix(text[loc[1]:], "...") {
			continue
		}

		fragment := text[loc[0]:loc[1]]
		if loc[0] > 0 || loc[1] < len(text) {
			return fmt.Sprintf("⚡️%v...%v", fragment,
				lastRunes(text, shortTail))
		}

		return shortenPayable(fragment)
	}

	if !strings.HasPrefix(text, "💬") {
		return "💬" + text
	}

	return text
}

func shortenPayable(payable string) string {
	if len(payable) <= fullInvoiceMin {
		return "⚡️" + payable
	}

	return fmt.Sprintf("⚡️%v...%v", payable[:shortHead],
		payable[len(payable)-shortTail:])
}

func lastRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[len(runes)-n:])
}
