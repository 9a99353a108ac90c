package schema

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Preferences is the single per-user settings row (font size, theme, margins...).
// Values are opaque strings owned by the presentation layer.
type Preferences struct {
	Values    map[string]string `json:"values"`
	Timestamp int64             `json:"timestamp"`
	DeviceID  string            `json:"device_id,omitempty"`
}

// Validate checks if the Preferences have valid field values.
func (p *Preferences) Validate() error {
	if p.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive (got %d)", p.Timestamp)
	}
	for k := range p.Values {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("preference keys must not be empty")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	out := p
	out.Values = maps.Clone(p.Values)
	if out.Values == nil {
		out.Values = map[string]string{}
	}
	return out
}

// Keys returns the preference keys in sorted order.
func (p Preferences) Keys() []string {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
