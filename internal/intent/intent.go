package intent

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// ErrMalformedIntent is returned when a payment intent URI cannot be parsed
// into a payee and a positive fiat amount. Rejected before any on-chain work.
var ErrMalformedIntent = errors.New("malformed payment intent")

// PaymentIntent is the fiat side of a payment request as encoded in a UPI
// deep link: upi://pay?pa=<vpa>&pn=<name>&am=<amount>&cu=<currency>&tr=<ref>
type PaymentIntent struct {
	PayeeVPA   string
	PayeeName  string
	Amount     *big.Rat
	AmountText string
	Currency   string
	Reference  string
}

// Parse validates and decodes a UPI payment intent URI.
func Parse(raw string) (PaymentIntent, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}

	if !strings.EqualFold(u.Scheme, "upi") {
		return PaymentIntent{}, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedIntent, u.Scheme)
	}

	q := u.Query()

	payee := strings.TrimSpace(q.Get("pa"))
	if payee == "" {
		return PaymentIntent{}, fmt.Errorf("%w: missing payee address (pa)", ErrMalformedIntent)
	}

	amountText := strings.TrimSpace(q.Get("am"))
	if amountText == "" {
		return PaymentIntent{}, fmt.Errorf("%w: missing amount (am)", ErrMalformedIntent)
	}

	amount, ok := new(big.Rat).SetString(amountText)
	if !ok {
		return PaymentIntent{}, fmt.Errorf("%w: unparsable amount %q", ErrMalformedIntent, amountText)
	}
	if amount.Sign() <= 0 {
		return PaymentIntent{}, fmt.Errorf("%w: amount must be positive, got %q", ErrMalformedIntent, amountText)
	}

	currency := strings.ToUpper(strings.TrimSpace(q.Get("cu")))
	if currency == "" {
		currency = "INR"
	}

	return PaymentIntent{
		PayeeVPA:   payee,
		PayeeName:  strings.TrimSpace(q.Get("pn")),
		Amount:     amount,
		AmountText: amountText,
		Currency:   currency,
		Reference:  strings.TrimSpace(q.Get("tr")),
	}, nil
}
