package types

import "log/slog"

const redactedPlaceholder = "***REDACTED***"

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values such as database URLs and upstream API
// keys. String(), MarshalJSON(), and LogValue() all return a redacted
// placeholder; use Unmask() where the plaintext is genuinely required.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// LogValue implements slog.LogValuer so structured logs never carry the
// plaintext, even when the secret is passed as a bare attr value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the raw plaintext value. Calls should be limited to the
// places that actually hand the secret to a driver or HTTP client.
func (s SecretString) Unmask() string {
	return string(s)
}
