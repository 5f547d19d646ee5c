package model

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Leader is one person entry in the structured leaders field.
type Leader struct {
	Name          string   `json:"name"`
	Title         string   `json:"title,omitempty"`
	Company       string   `json:"company,omitempty"`
	PreviousRoles []string `json:"previous_roles,omitempty"`
	Education     []string `json:"education,omitempty"`
	Background    string   `json:"background,omitempty"`
	ProfileURL    *string  `json:"profile_url"`
}

// Value is an extracted field value: either a scalar string or a structured
// leader list. Both shapes serialize to a single text column so the field
// vocabulary can evolve without storage migrations.
type Value struct {
	Text    string
	Leaders []Leader
}

// Scalar wraps a plain string value.
func Scalar(s string) Value {
	return Value{Text: s}
}

// LeaderList wraps a structured leader list value.
func LeaderList(leaders []Leader) Value {
	return Value{Leaders: leaders}
}

// IsEmpty reports whether the value carries no data. Empty values are
// treated as "field not present in this pass" and are never stored.
func (v Value) IsEmpty() bool {
	return strings.TrimSpace(v.Text) == "" && len(v.Leaders) == 0
}

// IsStructured reports whether the value is a leader list.
func (v Value) IsStructured() bool {
	return len(v.Leaders) > 0
}

// Encode serializes the value for storage: leader lists as a JSON array,
// scalars as plain text.
func (v Value) Encode() (string, error) {
	if v.IsStructured() {
		b, err := json.Marshal(v.Leaders)
		if err != nil {
			return "", eris.Wrap(err, "model: encode leaders")
		}
		return string(b), nil
	}
	return strings.TrimSpace(v.Text), nil
}

// DecodeLeaders parses a stored leaders value. It accepts both shapes the
// field has carried over time: a JSON array of leader objects, or the legacy
// pipe-delimited name list.
func DecodeLeaders(stored string) []Leader {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return nil
	}
	if strings.HasPrefix(stored, "[") {
		var leaders []Leader
		if err := json.Unmarshal([]byte(stored), &leaders); err == nil {
			return leaders
		}
	}
	var leaders []Leader
	for _, name := range strings.Split(stored, "|") {
		name = strings.TrimSpace(name)
		if name != "" {
			leaders = append(leaders, Leader{Name: name})
		}
	}
	return leaders
}
