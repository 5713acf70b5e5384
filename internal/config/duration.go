package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is written as a Go duration string ("500ms", "10s", "1m").
// Negative values are rejected when decoding.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration must be a string such as \"10s\", got %s", b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	*d = Duration(v)
	return nil
}
