package tape

import (
	"fmt"
	"strings"
)

// Mode controls whether a tape replays recorded entries, records new ones,
// or both.
type Mode int

// Possible values:
const (
	// Default defers the choice to whoever opens the tape. New treats it as
	// ReadWrite.
	Default Mode = iota

	// ReadWrite replays a recorded entry if one matches. If none does, the
	// request is performed and the exchange recorded.
	ReadWrite

	// ReadOnly only allows replaying. Requests without a recorded entry are
	// refused.
	ReadOnly

	// WriteOnly records all traffic even if a matching entry exists. The
	// previous content of the tape is replaced.
	WriteOnly
)

var modeNames = map[Mode]string{
	Default:   "default",
	ReadWrite: "read_write",
	ReadOnly:  "read_only",
	WriteOnly: "write_only",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the name of a mode. Dashes and case are ignored, so
// "READ_ONLY", "read-only" and "read_only" are equivalent.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToLower(strings.Replace(strings.TrimSpace(s), "-", "_", -1))
	if norm == "" {
		return Default, nil
	}
	for m, name := range modeNames {
		if name == norm {
			return m, nil
		}
	}
	return Default, fmt.Errorf("unknown tape mode %q", s)
}

// MarshalYAML implements yaml.Marshaler.
func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
