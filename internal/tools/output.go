package tools

import (
	"bytes"
	"encoding/json"
	"strings"
)

// OutputKind tags the shape of a tool result.
type OutputKind int

const (
	OutputText OutputKind = iota
	OutputList
	OutputObject
)

func (k OutputKind) String() string {
	switch k {
	case OutputList:
		return "list"
	case OutputObject:
		return "object"
	default:
		return "text"
	}
}

// Output is a tool result. Exactly one of Text, List or Object is meaningful,
// selected by Kind.
type Output struct {
	Kind   OutputKind
	Text   string
	List   []any
	Object map[string]any
}

// TextOutput wraps plain text.
func TextOutput(s string) Output { return Output{Kind: OutputText, Text: s} }

// ParseOutput classifies a response body. Bodies that are not JSON become text.
func ParseOutput(body []byte) Output {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return TextOutput("")
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return TextOutput(string(body))
	}
	return FromValue(v)
}

// FromValue tags an already decoded JSON value.
func FromValue(v any) Output {
	switch x := v.(type) {
	case string:
		return TextOutput(x)
	case []any:
		return Output{Kind: OutputList, List: x}
	case map[string]any:
		return Output{Kind: OutputObject, Object: x}
	default:
		return TextOutput(compactJSON(x))
	}
}

// Flatten renders the output as text for the execution log. List items
// contribute their "text" field when present, otherwise their JSON form, one
// per line. Objects contribute their "text" field or their JSON form.
func (o Output) Flatten() string {
	switch o.Kind {
	case OutputList:
		parts := make([]string, 0, len(o.List))
		for _, item := range o.List {
			switch x := item.(type) {
			case string:
				parts = append(parts, x)
			case map[string]any:
				if t, ok := x["text"].(string); ok {
					parts = append(parts, t)
				} else {
					parts = append(parts, compactJSON(x))
				}
			default:
				parts = append(parts, compactJSON(x))
			}
		}
		return strings.Join(parts, "\n")
	case OutputObject:
		if t, ok := o.Object["text"].(string); ok {
			return t
		}
		return compactJSON(o.Object)
	default:
		return o.Text
	}
}

// Value returns the untagged value for JSON encoding.
func (o Output) Value() any {
	switch o.Kind {
	case OutputList:
		return o.List
	case OutputObject:
		return o.Object
	default:
		return o.Text
	}
}

func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Value())
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
