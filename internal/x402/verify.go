package x402

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/paygate/internal/canonical"
)

// Verification is the result of checking a payment against the configured
// requirements. Requirement is the entry matched by network, nil when none
// matched.
type Verification struct {
	Valid       bool
	Errors      string
	Requirement *PaymentRequirement
}

// VerifyDetails checks that p pays on a configured network, at least the
// required amount, to the configured address, inside its validity window.
// All failed checks are reported, joined by "; ". Amount, recipient and
// window checks run only when a network matched.
func VerifyDetails(p *PaymentPayload, reqs []PaymentRequirement, now time.Time) Verification {
	var errs []string

	var match *PaymentRequirement
	for i := range reqs {
		if strings.EqualFold(reqs[i].Network, p.Network) {
			match = &reqs[i]
			break
		}
	}
	if match == nil {
		errs = append(errs, "Invalid or unsupported network: "+p.Network)
		return Verification{Errors: strings.Join(errs, "; ")}
	}

	auth := p.Payload.Authorization

	required, okReq := parseBigInt(match.MaxAmountRequired)
	actual, okAct := parseBigInt(auth.Value)
	switch {
	case !okReq || !okAct:
		errs = append(errs, "Invalid value: must be numeric string")
	case actual.Cmp(required) < 0:
		errs = append(errs, fmt.Sprintf("Value too low: got %s, requires at least %s", actual, required))
	}

	if !strings.EqualFold(auth.To, match.PayTo) {
		errs = append(errs, fmt.Sprintf("Invalid 'to' address: expected %s, got %s", match.PayTo, auth.To))
	}

	unix := float64(now.Unix())
	validAfter, okAfter := parseTimestamp(auth.ValidAfter)
	validBefore, okBefore := parseTimestamp(auth.ValidBefore)
	if !okAfter || !okBefore {
		errs = append(errs, "Invalid validAfter or validBefore timestamps")
	} else {
		if validAfter > unix {
			errs = append(errs, fmt.Sprintf("Payment has not activated, validAfter is %s but the server time is %d",
				canonical.FormatFloat(validAfter), now.Unix()))
		}
		if validBefore < unix {
			errs = append(errs, fmt.Sprintf("Payment has expired, validBefore is %s but the server time is %d",
				canonical.FormatFloat(validBefore), now.Unix()))
		}
	}

	return Verification{
		Valid:       len(errs) == 0,
		Errors:      strings.Join(errs, "; "),
		Requirement: match,
	}
}

// parseBigInt accepts a decimal integer, optionally signed, or a 0x hex
// integer. Surrounding whitespace is ignored and an empty string is zero.
func parseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), true
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	if strings.ContainsRune(s, '_') {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// parseTimestamp reads a unix-seconds timestamp carried as a decimal string.
func parseTimestamp(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	if strings.ContainsAny(s, "_xXnN") {
		// Reject hex, NaN, Inf and underscore forms.
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
