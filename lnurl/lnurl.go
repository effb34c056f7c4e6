// Package lnurl resolves the two user friendly wrappers around a
// bolt11 payment request: lightning addresses (name@host, LUD-16) and
// bech32 encoded lnurls (LUD-01). Both unwrap to an lnurlp url whose
// pay request parameters point at a callback that serves the actual
// invoice (LUD-06), optionally with a comment attached (LUD-12).
package lnurl

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	// lnurlHRP is the human readable prefix lnurl bech32 strings carry.
	lnurlHRP = "lnurl"

	// wellKnownPath is where a host serves pay request parameters for
	// its lightning addresses.
	wellKnownPath = "/.well-known/lnurlp/"
)

var (
	// ErrNotAddress is returned when a string does not parse as a
	// lightning address.
	ErrNotAddress = errors.New("not a lightning address")

	// ErrNotLnurl is returned when a string does not decode as a
	// bech32 lnurl.
	ErrNotLnurl = errors.New("not a bech32 lnurl")

	// ErrNotPayURL is returned when nothing payable could be made of
	// an input string.
	ErrNotPayURL = errors.New("not an lnurl pay url")

	// wellKnownPattern recognizes an already decoded lnurlp url.
	wellKnownPattern = regexp.MustCompile(
		`https?://.+/\.well-known/lnurlp/.+`,
	)
)

// StripLightning removes the uri scheme and bolt emoji wallets paste
// in front of a lightning address or lnurl, and lowercases the rest.
// Lowercasing is safe for both forms: hosts are case insensitive and
// bech32 rejects mixed case anyway.
func StripLightning(input string) string {
	input = strings.ToLower(strings.Trim(input, "⚡️"))

	return strings.TrimPrefix(input, "lightning:")
}

// AddressURL returns the well known lnurlp url a lightning address
// points at.
func AddressURL(address string) (string, error) {
	name, host, found := strings.Cut(address, "@")
	if !found || name == "" || host == "" ||
		strings.Contains(host, "@") {

		return "", fmt.Errorf("%w: %v", ErrNotAddress, address)
	}

	payURL := fmt.Sprintf("https://%v%v%v", host, wellKnownPath, name)

	parsed, err := url.Parse(payURL)
	if err != nil || parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: %v", ErrNotAddress, address)
	}

	return payURL, nil
}

// Decode decodes a bech32 encoded lnurl to the url it wraps. The
// standard 90 character bech32 length cap does not apply to lnurls.
func Decode(lnurl string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(StripLightning(lnurl))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotLnurl, err)
	}

	if hrp != lnurlHRP {
		return "", fmt.Errorf("%w: prefix %v", ErrNotLnurl, hrp)
	}

	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotLnurl, err)
	}

	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: payload is not utf8", ErrNotLnurl)
	}

	return string(decoded), nil
}

// Encode encodes a url as an uppercase bech32 lnurl string.
func Encode(payURL string) (string, error) {
	data, err := bech32.ConvertBits([]byte(payURL), 8, 5, true)
	if err != nil {
		return "", err
	}

	encoded, err := bech32.Encode(lnurlHRP, data)
	if err != nil {
		return "", err
	}

	return strings.ToUpper(encoded), nil
}

// Resolve turns any supported input into the lnurlp url to fetch pay
// request parameters from. Lightning addresses are tried first, then
// bech32 lnurls, then the input itself when it already is a decoded
// lnurlp url.
func Resolve(anything string) (string, error) {
	stripped := StripLightning(anything)

	if payURL, err := AddressURL(stripped); err == nil {
		return payURL, nil
	}

	if payURL, err := Decode(stripped); err == nil {
		return payURL, nil
	}

	if wellKnownPattern.MatchString(stripped) {
		return stripped, nil
	}

	return "", fmt.Errorf("%w: %v", ErrNotPayURL, anything)
}
