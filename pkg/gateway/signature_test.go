package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigner(t *testing.T) {
	signer := NewSigner("MERCHANT", "whsec")
	sig := signer.Sign("BOOKING-1-aa", "ORD-1", "1")

	t.Run("uppercase hex sha512", func(t *testing.T) {
		assert.Len(t, sig, 128)
		assert.Equal(t, strings.ToUpper(sig), sig)
	})

	t.Run("verifies its own signature", func(t *testing.T) {
		assert.True(t, signer.Verify("BOOKING-1-aa", "ORD-1", "1", sig))
		assert.True(t, signer.Verify("BOOKING-1-aa", "ORD-1", "1", strings.ToLower(sig)))
	})

	t.Run("rejects tampered fields", func(t *testing.T) {
		assert.False(t, signer.Verify("BOOKING-1-aa", "ORD-1", "-2", sig))
		assert.False(t, signer.Verify("BOOKING-2-aa", "ORD-1", "1", sig))
		assert.False(t, signer.Verify("BOOKING-1-aa", "ORD-1", "1", ""))
	})

	t.Run("different secret does not verify", func(t *testing.T) {
		other := NewSigner("MERCHANT", "other")
		assert.False(t, other.Verify("BOOKING-1-aa", "ORD-1", "1", sig))
	})

	t.Run("empty secret never verifies", func(t *testing.T) {
		unsigned := NewSigner("MERCHANT", "")
		assert.False(t, unsigned.Verify("BOOKING-1-aa", "ORD-1", "1", unsigned.Sign("BOOKING-1-aa", "ORD-1", "1")))
	})
}
