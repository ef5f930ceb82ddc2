// Defines the main record document and its JSON Schema.

package codec

import (
	"github.com/invopop/jsonschema"
)

// Document is the JSON document stored as <name>/<name>.json.
type Document struct {
	Name   string           `json:"name" jsonschema:"description=Record name; equals the record directory name"`
	Done   bool             `json:"done" jsonschema:"description=True once a result has been set"`
	Args   map[string]Entry `json:"args" jsonschema:"description=Input arguments"`
	Result map[string]Entry `json:"result" jsonschema:"description=Result of the work function; empty until done"`
}

// Schema returns the JSON Schema of Document.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{}
	s := r.Reflect(&Document{})
	s.Title = "samplebase record document"
	return s
}
