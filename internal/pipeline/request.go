package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrMessageRequired is returned for triggers without a message.
var ErrMessageRequired = errors.New("message is required")

// Turn is one prior conversation turn.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON accepts non-string content by keeping its JSON text.
func (t *Turn) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	t.Content = renderScalar(raw.Content)
	return nil
}

// Case is one structured input record.
type Case struct {
	ID               string
	Type             string
	History          string
	Query            string
	AssessmentResult string
	ImageURLs        []string
	// Turns is set instead of History when the case carries its own
	// conversation as a list of {role, content} objects.
	Turns []Turn
	// Fields holds every field as received.
	Fields map[string]json.RawMessage
}

// UnmarshalJSON decodes a case object. Scalar fields of any JSON type are
// rendered as text; image_url may be a single reference or a list.
func (c *Case) UnmarshalJSON(b []byte) error {
	fields := map[string]json.RawMessage{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("case must be an object: %w", err)
	}

	*c = Case{
		ID:               renderScalar(fields["id"]),
		Type:             renderScalar(fields["type"]),
		Query:            renderScalar(fields["query"]),
		AssessmentResult: renderScalar(fields["assessment_result"]),
		ImageURLs:        imageRefs(fields["image_url"]),
		Fields:           fields,
	}
	if isTurnList(fields["history"]) {
		if err := json.Unmarshal(fields["history"], &c.Turns); err != nil {
			return fmt.Errorf("decode case history: %w", err)
		}
	} else {
		c.History = renderScalar(fields["history"])
	}
	return nil
}

// isTurnList reports whether raw is a non-empty array of objects that each
// carry a role.
func isTurnList(raw json.RawMessage) bool {
	v := gjson.ParseBytes(raw)
	if !v.IsArray() {
		return false
	}
	items := v.Array()
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.IsObject() || !item.Get("role").Exists() {
			return false
		}
	}
	return true
}

// Info renders the case's identifying fields in a fixed order, skipping
// empty ones.
func (c *Case) Info() string {
	var parts []string
	for _, f := range []struct{ label, value string }{
		{"ID", c.ID},
		{"type", c.Type},
		{"history", c.History},
		{"query", c.Query},
		{"assessment_result", c.AssessmentResult},
	} {
		if f.value != "" {
			parts = append(parts, f.label+": "+f.value)
		}
	}
	return strings.Join(parts, ", ")
}

// CaseData is the case_data field of an inbound request: one case, or a
// batch when the client sent a list.
type CaseData struct {
	Cases []Case
	Batch bool
}

// UnmarshalJSON accepts an object or an array of objects.
func (d *CaseData) UnmarshalJSON(b []byte) error {
	switch gjson.ParseBytes(b).Type {
	case gjson.Null:
		*d = CaseData{}
		return nil
	case gjson.JSON:
	default:
		return errors.New("case_data must be an object or a list of objects")
	}

	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var cases []Case
		if err := json.Unmarshal(trimmed, &cases); err != nil {
			return fmt.Errorf("decode case_data list: %w", err)
		}
		*d = CaseData{Cases: cases, Batch: true}
		return nil
	}

	var one Case
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	*d = CaseData{Cases: []Case{one}}
	return nil
}

// Empty reports whether there is no case to process.
func (d *CaseData) Empty() bool {
	return d == nil || len(d.Cases) == 0 || (!d.Batch && len(d.Cases[0].Fields) == 0)
}

// InboundRequest is a message received on a connection.
type InboundRequest struct {
	Message    string          `json:"message"`
	History    []Turn          `json:"history"`
	CaseData   *CaseData       `json:"case_data"`
	CaseIndex  json.RawMessage `json:"case_index"`
	TotalCases json.RawMessage `json:"total_cases"`
}

// Echo is the text broadcast back to clients when the request arrives.
func (r *InboundRequest) Echo() string {
	if r.CaseData.Empty() {
		return r.Message
	}
	var b strings.Builder
	b.WriteString(r.Message)
	fmt.Fprintf(&b, "\n\n[batch mode] - Case %s/%s", orUnknown(r.CaseIndex), orUnknown(r.TotalCases))
	if !r.CaseData.Batch {
		c := r.CaseData.Cases[0]
		if c.ID != "" {
			fmt.Fprintf(&b, " (ID: %s)", c.ID)
		}
		if c.Type != "" {
			fmt.Fprintf(&b, " (type: %s)", c.Type)
		}
	}
	return b.String()
}

// Trigger is a request to run the pipeline without a connection.
type Trigger struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Silent  bool   `json:"silent"`
}

// Normalize fills defaults and validates the trigger.
func (t *Trigger) Normalize() error {
	if strings.TrimSpace(t.Message) == "" {
		return ErrMessageRequired
	}
	if t.Source == "" {
		t.Source = "external"
	}
	return nil
}

// BatchItem is one unit of sequential batch work.
type BatchItem struct {
	Message string
	History []Turn
	Case    *Case
}

// renderScalar turns a JSON value into display text: strings unquoted,
// everything else as compact JSON. Missing and null render empty.
func renderScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	v := gjson.ParseBytes(raw)
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.String()
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return strings.TrimSpace(v.Raw)
		}
		return buf.String()
	}
}

func imageRefs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	v := gjson.ParseBytes(raw)
	var refs []string
	add := func(r gjson.Result) {
		if s := strings.TrimSpace(r.String()); r.Type == gjson.String && s != "" {
			refs = append(refs, s)
		}
	}
	if v.IsArray() {
		for _, item := range v.Array() {
			add(item)
		}
	} else {
		add(v)
	}
	return refs
}

func orUnknown(raw json.RawMessage) string {
	if s := renderScalar(raw); s != "" {
		return s
	}
	return "?"
}
