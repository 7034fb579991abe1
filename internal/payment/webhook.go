package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerifiedEvent is a webhook notification whose signature checked out.
type VerifiedEvent struct {
	DeliveryID string
	Type       string
	IntentID   string
	Amount     int64
	Currency   string
	Raw        json.RawMessage
}

// EventPaymentSucceeded is the delivery type reporting a confirmed intent.
const EventPaymentSucceeded = "payment_intent.succeeded"

// Verifier validates webhook payloads against the provider's signing
// secret. Verification is a pure check: it never mutates state, so a
// forged payload is rejected before anything else happens.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier constructs a Verifier with a 5 minute timestamp tolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: 5 * time.Minute,
		now:       time.Now,
	}
}

// Verify checks the signature header ("t=<unix>,v1=<hex hmac>") against the
// raw payload. The HMAC covers "<timestamp>.<payload>" so a valid signature
// cannot be replayed onto a different body, and the timestamp tolerance
// bounds how long a captured delivery stays valid.
func (v *Verifier) Verify(payload []byte, sigHeader string) (*VerifiedEvent, error) {
	ts, sig, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	sent := time.Unix(ts, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return nil, fmt.Errorf("timestamp outside tolerance: %w", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, got) {
		return nil, ErrSignatureInvalid
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, fmt.Errorf("webhook payload missing id or type")
	}

	return &VerifiedEvent{
		DeliveryID: envelope.ID,
		Type:       envelope.Type,
		IntentID:   envelope.Data.Object.ID,
		Amount:     envelope.Data.Object.Amount,
		Currency:   envelope.Data.Object.Currency,
		Raw:        json.RawMessage(payload),
	}, nil
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("bad timestamp: %w", ErrSignatureInvalid)
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("malformed signature header: %w", ErrSignatureInvalid)
	}
	return ts, sig, nil
}
