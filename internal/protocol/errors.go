package protocol

import "errors"

var (
	ErrMalformedEnvelope  = errors.New("protocol: malformed envelope")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrPayloadMismatch    = errors.New("protocol: payload does not match message_type")
	ErrNestedBatch        = errors.New("protocol: batch nested inside batch")
	ErrMissingField       = errors.New("protocol: missing required field")
	ErrNilPayload         = errors.New("protocol: nil payload")
)

// malformed wraps cause so callers can match both ErrMalformedEnvelope and
// the specific reason with errors.Is.
func malformed(cause error, detail string) error {
	return &decodeError{cause: cause, detail: detail}
}

type decodeError struct {
	cause  error
	detail string
}

func (e *decodeError) Error() string {
	if e.detail == "" {
		return ErrMalformedEnvelope.Error() + ": " + e.cause.Error()
	}
	return ErrMalformedEnvelope.Error() + ": " + e.cause.Error() + ": " + e.detail
}

func (e *decodeError) Unwrap() []error {
	return []error{ErrMalformedEnvelope, e.cause}
}
