package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signer signs and verifies callbacks from the gateway.
// signature = upper(hex(HMAC-SHA512(secret, "merchantKey|reference|externalOrderId|providerStatusCode")))
type Signer struct {
	merchantKey string
	secret      []byte
}

// NewSigner creates a signer for the merchant
func NewSigner(merchantKey, secret string) *Signer {
	return &Signer{merchantKey: merchantKey, secret: []byte(secret)}
}

// Sign computes the callback signature
func (s *Signer) Sign(reference, externalOrderID, providerCode string) string {
	mac := hmac.New(sha512.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", s.merchantKey, reference, externalOrderID, providerCode)
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a callback signature in constant time
func (s *Signer) Verify(reference, externalOrderID, providerCode, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	expected := s.Sign(reference, externalOrderID, providerCode)
	return hmac.Equal([]byte(expected), []byte(strings.ToUpper(strings.TrimSpace(signature))))
}
