package event

import "fmt"

// NormalizationError is returned for raw events that cannot be turned into a
// Context. Such events are dropped, never partially dispatched.
type NormalizationError struct {
	Kind   string
	Field  string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	msg := "normalize event"
	if e.Kind != "" {
		msg += " " + e.Kind
	}
	if e.Field != "" {
		msg += fmt.Sprintf(": field %s", e.Field)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}
