// Defines the Entry tagged union and its JSON wire form.

package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrUnknownFieldShape is returned when a stored entry carries none of the
// known tags. It signals a corrupted or foreign document and is not retried.
var ErrUnknownFieldShape = errors.New("unknown field shape")

// Kind enumerates the storage shapes of a field.
type Kind uint8

const (
	// KindValue stores a string, bool, number or nil inline.
	KindValue Kind = iota + 1
	// KindArray stores an Array in a sidecar .npy file.
	KindArray
	// KindPickled stores a generic value in a sidecar .json file.
	KindPickled
	// KindDict stores a nested mapping.
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindArray:
		return "ndarray"
	case KindPickled:
		return "pickled"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is the stored form of one field value.
//
// Only the member matching Kind is meaningful: Value for KindValue, File for
// KindArray and KindPickled, Dict for KindDict.
type Entry struct {
	Kind  Kind
	Value any
	File  string
	Dict  map[string]Entry
}

// MarshalJSON emits a single-key object named after the kind.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindValue:
		return json.Marshal(map[string]any{"value": jsonReady(e.Value)})
	case KindArray, KindPickled:
		return json.Marshal(map[string]string{e.Kind.String(): e.File})
	case KindDict:
		d := e.Dict
		if d == nil {
			d = map[string]Entry{}
		}
		return json.Marshal(map[string]map[string]Entry{"dict": d})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFieldShape, e.Kind)
	}
}

// UnmarshalJSON recognizes the tags in the order value, ndarray, pickled,
// dict.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["value"]; ok {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("failed to decode inline value: %w", err)
		}
		*e = Entry{Kind: KindValue, Value: val}
		return nil
	}
	for _, k := range []Kind{KindArray, KindPickled} {
		if v, ok := raw[k.String()]; ok {
			var file string
			if err := json.Unmarshal(v, &file); err != nil {
				return fmt.Errorf("%w: %s reference is not a string", ErrUnknownFieldShape, k)
			}
			*e = Entry{Kind: k, File: file}
			return nil
		}
	}
	if v, ok := raw["dict"]; ok {
		var d map[string]Entry
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		if d == nil {
			d = map[string]Entry{}
		}
		*e = Entry{Kind: KindDict, Dict: d}
		return nil
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return fmt.Errorf("%w: keys %q", ErrUnknownFieldShape, keys)
}

// JSONSchema describes the four entry shapes for schema reflection.
func (Entry) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "Stored field entry holding exactly one of value, ndarray, pickled or dict.",
		OneOf: []*jsonschema.Schema{
			entryShape("value", &jsonschema.Schema{Description: "Inline string, boolean, number or null"}),
			entryShape("ndarray", &jsonschema.Schema{Type: "string", Description: "Sidecar .npy file name, relative to the record directory"}),
			entryShape("pickled", &jsonschema.Schema{Type: "string", Description: "Sidecar .json file name, relative to the record directory"}),
			entryShape("dict", &jsonschema.Schema{
				Type:                 "object",
				Description:          "Nested mapping of stored field entries",
				AdditionalProperties: &jsonschema.Schema{Ref: "#/$defs/Entry"},
			}),
		},
	}
}

func entryShape(key string, s *jsonschema.Schema) *jsonschema.Schema {
	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set(key, s)
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             []string{key},
		AdditionalProperties: jsonschema.FalseSchema,
	}
}
