package rpc

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/guseggert/remotify/stream"
)

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// found is a stream discovered while encoding, not yet being pumped.
type found struct {
	id  uint64
	src stream.Stream[any]
}

// encoder rewrites an outgoing value into a JSON-ready tree in which every stream is
// replaced by a marker. Values are one of three shapes: a stream (anything with a
// Next(context.Context) (T, error) method), a record (struct, map, slice or
// array, walked element by element), or a scalar handed to encoding/json as is.
type encoder struct {
	nextID func() uint64
	found  []found

	// visiting holds the pointers, maps and slices on the current walk path.
	visiting map[visit]struct{}
}

type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// enter marks v as being walked and returns a func that unmarks it. Reaching v again before
// that func runs means the value contains itself.
func (e *encoder) enter(v reflect.Value) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := e.visiting[key]; ok {
		return nil, fmt.Errorf("encountered a cycle via %s", v.Type())
	}
	if e.visiting == nil {
		e.visiting = map[visit]struct{}{}
	}
	e.visiting[key] = struct{}{}
	return func() { delete(e.visiting, key) }, nil
}

// encode never panics; a panicking MarshalJSON or MarshalText surfaces as an error.
func (e *encoder) encode(v any) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, fmt.Errorf("encoding panicked: %v", r)
		}
	}()
	tree, err := e.walk(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

func (e *encoder) walk(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		return e.walk(v.Elem())
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, nil
	}

	if src, ok := asStream(v); ok {
		id := e.nextID()
		e.found = append(e.found, found{id: id, src: src})
		return marker{Marker: markerStream, ID: id}, nil
	}
	if !v.CanInterface() {
		// reached through an unexported embedded struct
		return e.walkReadOnly(v)
	}
	if v.Type().Implements(jsonMarshalerType) {
		return v.Interface(), nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		return e.walkPointer(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		return e.walkMap(v)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		leave, err := e.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.walkList(v)
	case reflect.Array:
		return e.walkList(v)
	case reflect.Struct:
		out := make(map[string]any)
		if err := e.walkStruct(v, out); err != nil {
			return nil, err
		}
		return out, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("cannot encode value of type %s", v.Type())
	default:
		return v.Interface(), nil
	}
}

func (e *encoder) walkPointer(v reflect.Value) (any, error) {
	leave, err := e.enter(v)
	if err != nil {
		return nil, err
	}
	defer leave()
	return e.walk(v.Elem())
}

func (e *encoder) walkMap(v reflect.Value) (any, error) {
	leave, err := e.enter(v)
	if err != nil {
		return nil, err
	}
	defer leave()

	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key())
		if err != nil {
			return nil, err
		}
		elem, err := e.walk(iter.Value())
		if err != nil {
			return nil, err
		}
		out[key] = elem
	}
	return out, nil
}

// mapKey names a map entry the way encoding/json does.
func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if k.Kind() == reflect.Pointer && k.IsNil() {
				return "", nil
			}
			b, err := tm.MarshalText()
			if err != nil {
				return "", fmt.Errorf("marshaling map key: %w", err)
			}
			return string(b), nil
		}
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("cannot encode map key of type %s", k.Type())
}

func (e *encoder) walkList(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		elem, err := e.walk(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

// walkReadOnly handles values reflect will not convert back to an interface. Composite
// values are still walked; basic values are read by kind.
func (e *encoder) walkReadOnly(v reflect.Value) (any, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Pointer:
		return e.walkPointer(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		return e.walkMap(v)
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := e.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.walkList(v)
	case reflect.Array:
		return e.walkList(v)
	case reflect.Struct:
		out := make(map[string]any)
		if err := e.walkStruct(v, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode unexported value of type %s", v.Type())
}

// walkStruct follows encoding/json's field naming: json tags, "-" to skip, omitempty,
// and untagged embedded structs flattened into the parent.
func (e *encoder) walkStruct(v reflect.Value, out map[string]any) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				ft, fv = ft.Elem(), fv.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := e.walkStruct(fv, out); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		elem, err := e.walk(fv)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[name] = elem
	}
	return nil
}

// asStream reports whether v can produce a stream of items, either as a stream.Stream[any]
// or through any Next(context.Context) (T, error) method.
func asStream(v reflect.Value) (stream.Stream[any], bool) {
	if !v.CanInterface() {
		return nil, false
	}
	if s, ok := v.Interface().(stream.Stream[any]); ok {
		return s, true
	}
	next := v.MethodByName("Next")
	if !next.IsValid() {
		return nil, false
	}
	nt := next.Type()
	if nt.NumIn() != 1 || nt.In(0) != contextType || nt.NumOut() != 2 || nt.Out(1) != errorType {
		return nil, false
	}
	return &reflectStream{v: v, next: next}, true
}

type reflectStream struct {
	v    reflect.Value
	next reflect.Value
}

func (r *reflectStream) Next(ctx context.Context) (any, error) {
	out := r.next.Call([]reflect.Value{reflect.ValueOf(ctx)})
	if errV := out[1]; !errV.IsNil() {
		return nil, errV.Interface().(error)
	}
	return out[0].Interface(), nil
}

func (r *reflectStream) Close() error {
	if c, ok := r.v.Interface().(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// markerID reports whether m is a stream marker.
func markerID(m map[string]any) (uint64, bool) {
	if len(m) != 2 || m["marker"] != markerStream {
		return 0, false
	}
	n, ok := m["id"].(json.Number)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// As converts a decoded result or stream item into T by round-tripping it through JSON.
// Values that still contain live streams should be picked apart by hand instead.
func As[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("re-encoding value: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decoding value into %T: %w", out, err)
	}
	return out, nil
}

// Items converts the items of a remote stream into T.
func Items[T any](s stream.Stream[any]) stream.Stream[T] {
	return stream.Map(s, As[T])
}
