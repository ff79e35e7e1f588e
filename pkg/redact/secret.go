// Package redact provides a string wrapper for credentials that must never
// appear in logs, error strings or serialized responses.
package redact

// Secret wraps a sensitive value such as a client secret or an OAuth token.
//
// Secret implements fmt.Stringer, fmt.GoStringer, encoding.TextMarshaler and
// json.Marshaler so that formatting or serializing it yields "[REDACTED]".
// Use Value only when the credential is sent to the remote service.
//
//	s := redact.New("gloas-123")
//	fmt.Println(s)     // [REDACTED]
//	raw := s.Value()   // "gloas-123"
type Secret struct {
	value string
}

const redacted = "[REDACTED]"

// New wraps value.
func New(value string) Secret {
	return Secret{value: value}
}

// Value returns the actual secret. Never log the result.
func (s Secret) Value() string {
	return s.value
}

// IsEmpty returns true if no value is wrapped.
func (s Secret) IsEmpty() bool {
	return s.value == ""
}

// Equal reports whether both secrets wrap the same value.
func (s Secret) Equal(other Secret) bool {
	return s.value == other.value
}

func (s Secret) String() string {
	return redacted
}

func (s Secret) GoString() string {
	return "redact.Secret{" + redacted + "}"
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
