// Package sms polls the fleet for received messages, routes them to the
// platform, matches payment-confirmation texts against waiting sessions
// and sends outgoing messages through an available modem.
package sms

import (
	"math"
	"regexp"
	"strings"
)

// PaymentExpectation describes one session waiting for a bank's
// payment-confirmation SMS on a company number.
type PaymentExpectation struct {
	SessionID     string
	CompanyNumber string
	// Amount is the expected payment amount; zero means not checked.
	Amount float64
	// Reference is the invoice or order code expected in the text.
	Reference string
	// CardLast4 is the receiving card's last four digits.
	CardLast4 string
}

// MatchResult reports how an SMS scored against an expectation.
type MatchResult struct {
	Confirmed bool
	Keyword   bool
	Amount    bool
	Reference bool
	Card      bool
}

// paymentKeywords are the transfer-notification markers banks use in the
// markets this runs in, checked case-insensitively.
var paymentKeywords = []string{
	"перевод",
	"пополнение",
	"зачислен",
	"оплата",
	"to'lov",
	"tolov",
	"o'tkazma",
	"transfer",
	"received",
	"payment",
	"credited",
}

// amountTolerance is the relative slack allowed between the expected and
// the extracted amount. Banks round and fees shift totals slightly.
const amountTolerance = 0.01

var numberPattern = regexp.MustCompile(`\d+(?:[ .,']\d{3})*(?:[.,]\d{1,2})?`)

// Match scores an SMS body against a payment expectation. Confirmation
// requires a payment keyword plus at least one corroborating detail:
// the amount, the reference code, or the card digits.
func Match(content string, exp PaymentExpectation) MatchResult {
	lower := strings.ToLower(content)

	var res MatchResult
	for _, kw := range paymentKeywords {
		if strings.Contains(lower, kw) {
			res.Keyword = true
			break
		}
	}

	if exp.Amount > 0 {
		for _, amount := range extractAmounts(content) {
			if math.Abs(amount-exp.Amount) <= exp.Amount*amountTolerance {
				res.Amount = true
				break
			}
		}
	}
	if exp.Reference != "" && strings.Contains(lower, strings.ToLower(exp.Reference)) {
		res.Reference = true
	}
	if len(exp.CardLast4) == 4 && containsCardDigits(content, exp.CardLast4) {
		res.Card = true
	}

	res.Confirmed = res.Keyword && (res.Amount || res.Reference || res.Card)
	return res
}

// extractAmounts pulls every numeric value out of the text, normalizing
// thousand separators and decimal commas.
func extractAmounts(content string) []float64 {
	var amounts []float64
	for _, m := range numberPattern.FindAllString(content, -1) {
		if v, ok := parseAmount(m); ok {
			amounts = append(amounts, v)
		}
	}
	return amounts
}

func parseAmount(s string) (float64, bool) {
	// A trailing ",d", ",dd", ".d" or ".dd" group is the decimal part,
	// everything else is separators.
	decimal := ""
	if i := len(s) - 3; i > 0 && (s[i] == '.' || s[i] == ',') {
		decimal = s[i+1:]
		s = s[:i]
	} else if i := len(s) - 2; i > 0 && (s[i] == '.' || s[i] == ',') {
		decimal = s[i+1:]
		s = s[:i]
	}

	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}

	var value float64
	for _, r := range digits.String() {
		value = value*10 + float64(r-'0')
	}
	if decimal != "" {
		frac := 0.0
		scale := 1.0
		for _, r := range decimal {
			if r < '0' || r > '9' {
				return 0, false
			}
			frac = frac*10 + float64(r-'0')
			scale *= 10
		}
		value += frac / scale
	}
	return value, true
}

// containsCardDigits looks for the last-4 group as its own token, e.g.
// "*8600" or "card 8600", so an amount containing the digits does not
// count.
func containsCardDigits(content, last4 string) bool {
	for i := 0; i+4 <= len(content); i++ {
		if content[i:i+4] != last4 {
			continue
		}
		beforeDigit := i > 0 && isDigit(content[i-1])
		afterDigit := i+4 < len(content) && isDigit(content[i+4])
		if !beforeDigit && !afterDigit {
			return true
		}
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
