package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Handler implements one remotely callable method. args holds the JSON-encoded call
// arguments in order. The returned value may contain streams at any depth; they are relayed
// to the caller as live streams.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// IsReserved reports whether name is kept for internal use: empty, or starting with "$".
func IsReserved(name string) bool {
	return name == "" || strings.HasPrefix(name, "$")
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Func adapts an ordinary Go function into a Handler.
// fn may take a context.Context as its first parameter; every other parameter is decoded
// from the corresponding JSON argument. fn must return (T, error), a single T, or just error.
// Variadic functions receive the trailing arguments as their variadic slice.
func Func(fn any) (Handler, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a func, got %s", t)
	}

	var in []reflect.Type
	takesCtx := t.NumIn() > 0 && t.In(0) == contextType
	for i := 0; i < t.NumIn(); i++ {
		if i == 0 && takesCtx {
			continue
		}
		in = append(in, t.In(i))
	}

	returnsErr := t.NumOut() > 0 && t.Out(t.NumOut()-1) == errorType
	switch {
	case t.NumOut() > 2,
		t.NumOut() == 2 && !returnsErr:
		return nil, fmt.Errorf("handler %s must return (T, error), T, or error", t)
	}

	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		params, err := decodeArgs(in, t.IsVariadic(), args)
		if err != nil {
			return nil, err
		}
		if takesCtx {
			params = append([]reflect.Value{reflect.ValueOf(ctx)}, params...)
		}

		var out []reflect.Value
		if t.IsVariadic() {
			out = v.CallSlice(params)
		} else {
			out = v.Call(params)
		}

		if returnsErr {
			if errV := out[len(out)-1]; !errV.IsNil() {
				return nil, errV.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out[0].Interface(), nil
	}, nil
}

func decodeArgs(in []reflect.Type, variadic bool, args []json.RawMessage) ([]reflect.Value, error) {
	fixed := len(in)
	if variadic {
		fixed--
	}
	if len(args) < fixed || (!variadic && len(args) > fixed) {
		return nil, errorf(CodeBadArgs, "expected %d arguments, got %d", fixed, len(args))
	}

	params := make([]reflect.Value, 0, len(in))
	for i := 0; i < fixed; i++ {
		p := reflect.New(in[i])
		if err := json.Unmarshal(args[i], p.Interface()); err != nil {
			return nil, errorf(CodeBadArgs, "argument %d: %s", i, err)
		}
		params = append(params, p.Elem())
	}
	if variadic {
		sliceType := in[len(in)-1]
		rest := reflect.MakeSlice(sliceType, 0, len(args)-fixed)
		for i := fixed; i < len(args); i++ {
			p := reflect.New(sliceType.Elem())
			if err := json.Unmarshal(args[i], p.Interface()); err != nil {
				return nil, errorf(CodeBadArgs, "argument %d: %s", i, err)
			}
			rest = reflect.Append(rest, p.Elem())
		}
		params = append(params, rest)
	}
	return params, nil
}
