package codec

import gojson "github.com/goccy/go-json"

// GoJSON is a JSON codec backed by github.com/goccy/go-json.
// It writes the same bytes as JSON, including unescaped HTML characters.
type GoJSON struct{}

// Marshal encodes v without HTML escaping.
func (GoJSON) Marshal(v any) ([]byte, error) { return gojson.MarshalNoEscape(v) }

// Unmarshal decodes the JSON data into v.
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }

// Name returns "go-json".
func (GoJSON) Name() string { return "go-json" }
