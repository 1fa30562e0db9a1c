package rules

import "fmt"

// Tri is the three-valued result of a condition
type Tri uint8

const (
	False Tri = iota
	True
	// Indeterminate means a referenced field was absent from the event
	Indeterminate
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "indeterminate"
	}
}

// Not inverts True and False and keeps Indeterminate
func (t Tri) Not() Tri {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Indeterminate
	}
}

// FromBool lifts a bool
func FromBool(b bool) Tri {
	if b {
		return True
	}
	return False
}

func (t Tri) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tri) UnmarshalText(text []byte) error {
	switch string(text) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "indeterminate":
		*t = Indeterminate
	default:
		return fmt.Errorf("invalid tri-state value %q", text)
	}
	return nil
}
