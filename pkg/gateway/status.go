package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Status is a provider outcome reduced to what the ledger cares about
type Status string

const (
	StatusSettled   Status = "SETTLED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

// IsTerminal reports whether the status may drive a ledger transition
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed || s == StatusCancelled
}

// NormalizeStatus maps a provider status code onto Status.
// Pending, chargeback (-3) and anything unrecognized become UNKNOWN.
func NormalizeStatus(code string) Status {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "1", "SUCCESS", "PAID":
		return StatusSettled
	case "-2", "FAILED", "DECLINED":
		return StatusFailed
	case "-1", "CANCELLED", "CANCELED":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// ProviderCode is a status code as the gateway sends it.
// The gateway emits both 1 and "1"; both decode to the same value.
type ProviderCode string

// UnmarshalJSON accepts a JSON string or number
func (c *ProviderCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ProviderCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ProviderCode(n.String())
	return nil
}

func (c ProviderCode) String() string {
	return string(c)
}
