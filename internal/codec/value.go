// Defines the in-memory value types and the generic JSON value codec.

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Fields maps field names to values.
//
// Values are strings, bool, int64 or float64 numbers, nil, nested Fields,
// Array, or any other JSON-serializable value.
type Fields map[string]any

// Clone returns a deep copy of the mapping structure. Arrays are copied, other
// leaf values are shared.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Fields:
		return v.Clone()
	case map[string]any:
		return Fields(v).Clone()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case Array:
		return v.Clone()
	default:
		return v
	}
}

// Array is a dense float64 array of rank 1 or 2 in row-major order.
//
// A nil Shape means a rank 1 array of len(Data) elements.
type Array struct {
	Shape []int
	Data  []float64
}

const ndarrayKey = "__ndarray__"

// ErrNonFiniteFloat is returned when encoding NaN or an infinity, which JSON
// cannot represent.
var ErrNonFiniteFloat = errors.New("non-finite float")

var (
	errArrayRank  = errors.New("array rank must be 1 or 2")
	errArrayShape = errors.New("array shape does not match its data")
)

// NewArray returns a rank 1 array holding a copy of data.
func NewArray(data ...float64) Array {
	return Array{Shape: []int{len(data)}, Data: slices.Clone(data)}
}

// NewMatrix returns a rows x cols array holding a copy of data.
func NewMatrix(rows, cols int, data []float64) (Array, error) {
	a := Array{Shape: []int{rows, cols}, Data: slices.Clone(data)}
	if err := a.Validate(); err != nil {
		return Array{}, err
	}
	return a, nil
}

// Dims returns the effective shape.
func (a Array) Dims() []int {
	if len(a.Shape) == 0 {
		return []int{len(a.Data)}
	}
	return a.Shape
}

// Len returns the number of elements.
func (a Array) Len() int {
	return len(a.Data)
}

// Validate checks the rank and that the shape covers the data exactly.
func (a Array) Validate() error {
	dims := a.Dims()
	if len(dims) > 2 {
		return fmt.Errorf("%w, got %d", errArrayRank, len(dims))
	}
	n := 1
	for _, d := range dims {
		if d < 0 {
			return errArrayShape
		}
		n *= d
	}
	if n != len(a.Data) {
		return fmt.Errorf("%w: shape %v, %d elements", errArrayShape, dims, len(a.Data))
	}
	return nil
}

// Equal reports whether both arrays have the same shape and elements.
func (a Array) Equal(b Array) bool {
	return slices.Equal(a.Dims(), b.Dims()) && slices.Equal(a.Data, b.Data)
}

// Clone returns a deep copy.
func (a Array) Clone() Array {
	return Array{Shape: slices.Clone(a.Shape), Data: slices.Clone(a.Data)}
}

// Map returns a new array with f applied elementwise.
func (a Array) Map(f func(float64) float64) Array {
	out := Array{Shape: slices.Clone(a.Shape), Data: make([]float64, len(a.Data))}
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return out
}

// MarshalJSON encodes the array as {"__ndarray__": [...], "dtype": "float64",
// "shape": [...]} with data flattened in row-major order.
func (a Array) MarshalJSON() ([]byte, error) {
	data := make([]jsonFloat, len(a.Data))
	for i, v := range a.Data {
		data[i] = jsonFloat(v)
	}
	return json.Marshal(struct {
		Data  []jsonFloat `json:"__ndarray__"`
		Dtype string      `json:"dtype"`
		Shape []int       `json:"shape"`
	}{data, "float64", a.Dims()})
}

// jsonFloat always encodes with a fraction or exponent so that it decodes
// back as a float64 rather than an int64.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %v", ErrNonFiniteFloat, v)
	}
	b := strconv.AppendFloat(nil, v, 'g', -1, 64)
	if !bytes.ContainsAny(b, ".eE") {
		b = append(b, ".0"...)
	}
	return b, nil
}

// MarshalValue encodes v with the generic value codec.
func MarshalValue(v any) ([]byte, error) {
	return json.Marshal(jsonReady(v))
}

// UnmarshalValue decodes data produced by MarshalValue, or any JSON document,
// and normalizes the result with Normalize.
func UnmarshalValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// jsonReady rewrites floats nested in generic containers so they keep their
// fraction when encoded.
func jsonReady(v any) any {
	switch v := v.(type) {
	case float64:
		return jsonFloat(v)
	case float32:
		return jsonFloat(v)
	case []float64:
		out := make([]jsonFloat, len(v))
		for i, e := range v {
			out[i] = jsonFloat(e)
		}
		return out
	case Fields:
		return jsonReadyMap(v)
	case map[string]any:
		return jsonReadyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = jsonReady(e)
		}
		return out
	default:
		return v
	}
}

func jsonReadyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = jsonReady(e)
	}
	return out
}

// Normalize converts decoded JSON or YAML values to the canonical in-memory
// types: every mapping becomes Fields, integers become int64, json.Number
// becomes int64 or float64, and {"__ndarray__": ...} objects become Array.
func Normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		return numberValue(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return float64(v)
	case Fields:
		return normalizeMap(v)
	case map[string]any:
		return normalizeMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) any {
	if a, ok := arrayFromMap(m); ok {
		return a
	}
	out := make(Fields, len(m))
	for k, e := range m {
		out[k] = Normalize(e)
	}
	return out
}

func numberValue(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return s
}

// arrayFromMap recognizes the __ndarray__ object form. Malformed objects are
// left as plain mappings.
func arrayFromMap(m map[string]any) (Array, bool) {
	raw, ok := m[ndarrayKey]
	if !ok {
		return Array{}, false
	}
	items, ok := raw.([]any)
	if !ok {
		return Array{}, false
	}
	a := Array{Data: make([]float64, len(items))}
	for i, e := range items {
		f, ok := toFloat(e)
		if !ok {
			return Array{}, false
		}
		a.Data[i] = f
	}
	if s, ok := m["shape"].([]any); ok {
		a.Shape = make([]int, len(s))
		for i, e := range s {
			f, ok := toFloat(e)
			if !ok || f != math.Trunc(f) {
				return Array{}, false
			}
			a.Shape[i] = int(f)
		}
	} else {
		a.Shape = []int{len(a.Data)}
	}
	if a.Validate() != nil {
		return Array{}, false
	}
	return a, true
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
