// Implements the four-way field encoding and its inverse.

package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/maruel/samplebase/internal/stamp"
)

const (
	arrayExt   = ".npy"
	pickledExt = ".json"

	// maxKeyInName bounds the field-derived part of sidecar file names.
	maxKeyInName = 64

	maxStampAttempts = 8
)

var errInvalidSidecar = errors.New("sidecar reference must be a local file name")

// Classify returns the storage shape of v.
func Classify(v any) Kind {
	switch v.(type) {
	case nil, string:
		return KindValue
	case Array:
		return KindArray
	case Fields, map[string]any:
		return KindDict
	}
	t := reflect.TypeOf(v)
	switch t.Kind() { //nolint:exhaustive // Everything else is pickled.
	case reflect.Map:
		if t.Key().Kind() == reflect.String {
			return KindDict
		}
		return KindPickled
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return KindValue
	default:
		return KindPickled
	}
}

// Encoder writes sidecar files into a record directory.
type Encoder struct {
	// Dir is the record directory receiving sidecar files.
	Dir string
	// Stamp generates the unique part of sidecar names. Defaults to stamp.New.
	Stamp func() string
}

// Encode converts fields to stored entries, writing sidecars into dir.
func Encode(fields Fields, dir string) (map[string]Entry, error) {
	enc := Encoder{Dir: dir}
	return enc.Encode(fields)
}

// Encode converts fields to stored entries.
func (enc *Encoder) Encode(fields Fields) (map[string]Entry, error) {
	out := make(map[string]Entry, len(fields))
	for key, v := range fields {
		e, err := enc.encodeValue(key, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = e
	}
	return out, nil
}

func (enc *Encoder) encodeValue(key string, v any) (Entry, error) {
	switch Classify(v) {
	case KindValue:
		return Entry{Kind: KindValue, Value: v}, nil
	case KindArray:
		a := v.(Array)
		if err := a.Validate(); err != nil {
			return Entry{}, err
		}
		name, err := enc.createSidecar(key, arrayExt, func(w io.Writer) error {
			return writeArray(w, a)
		})
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindArray, File: name}, nil
	case KindDict:
		d, err := enc.Encode(asFields(v))
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindDict, Dict: d}, nil
	default:
		data, err := MarshalValue(v)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to marshal value: %w", err)
		}
		name, err := enc.createSidecar(key, pickledExt, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
		if err != nil {
			return Entry{}, err
		}
		return Entry{Kind: KindPickled, File: name}, nil
	}
}

// asFields returns v, a map with string keys, as Fields.
func asFields(v any) Fields {
	switch v := v.(type) {
	case Fields:
		return v
	case map[string]any:
		return Fields(v)
	}
	rv := reflect.ValueOf(v)
	m := make(Fields, rv.Len())
	for it := rv.MapRange(); it.Next(); {
		m[it.Key().String()] = it.Value().Interface()
	}
	return m
}

// createSidecar creates a new file named <key><stamp><ext>, retrying with a
// fresh stamp if the name is taken, and fsyncs it.
func (enc *Encoder) createSidecar(key, ext string, write func(io.Writer) error) (string, error) {
	newStamp := enc.Stamp
	if newStamp == nil {
		newStamp = stamp.New
	}
	base := sanitizeKey(key)
	for attempt := 1; ; attempt++ {
		name := base + newStamp() + ext
		path := filepath.Join(enc.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // G304: path is built from the record directory
		if errors.Is(err, fs.ErrExist) && attempt < maxStampAttempts {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create sidecar: %w", err)
		}
		bw := bufio.NewWriter(f)
		err = write(bw)
		if err == nil {
			err = bw.Flush()
		}
		if err == nil {
			err = f.Sync()
		}
		if err = errors.Join(err, f.Close()); err != nil {
			return "", errors.Join(fmt.Errorf("failed to write sidecar %s: %w", name, err), os.Remove(path))
		}
		return name, nil
	}
}

// sanitizeKey keeps field names usable as file name prefixes.
func sanitizeKey(key string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	s = strings.TrimLeft(s, ".")
	if len(s) > maxKeyInName {
		s = s[:maxKeyInName]
	}
	return s
}

// Decode converts stored entries back to fields, reading sidecars from dir.
func Decode(stored map[string]Entry, dir string) (Fields, error) {
	out := make(Fields, len(stored))
	for key, e := range stored {
		v, err := decodeEntry(e, dir)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func decodeEntry(e Entry, dir string) (any, error) {
	switch e.Kind {
	case KindValue:
		return e.Value, nil
	case KindArray:
		f, err := openSidecar(dir, e.File)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close()
		}()
		return readArray(bufio.NewReader(f))
	case KindPickled:
		f, err := openSidecar(dir, e.File)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read sidecar %s: %w", e.File, err)
		}
		v, err := UnmarshalValue(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode sidecar %s: %w", e.File, err)
		}
		return v, nil
	case KindDict:
		return Decode(e.Dict, dir)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFieldShape, e.Kind)
	}
}

func openSidecar(dir, name string) (*os.File, error) {
	if name == "" || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", errInvalidSidecar, name)
	}
	f, err := os.Open(filepath.Join(dir, name)) //nolint:gosec // G304: name is validated as a local file name
	if err != nil {
		return nil, fmt.Errorf("failed to open sidecar: %w", err)
	}
	return f, nil
}
