package tgrid

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Driver is the caller-side handle to the remote provider. Property
// chains are recorded as a dot path; invoking the terminal step emits a
// Call and blocks on its Return. No declaration of the remote interface
// is needed: any depth of Prop chaining is legal, and resolution
// happens entirely on the remote side.
//
// The driver refuses to emit before the channel is open: calls in
// None/Opening fail synchronously with ErrNotReady.
type Driver struct {
	comm *Communicator
	path []string
}

// Prop extends the property chain without emitting anything.
func (d *Driver) Prop(names ...string) *Driver {
	path := make([]string, len(d.path)+len(names))
	copy(path, d.path)
	copy(path[len(d.path):], names)
	return &Driver{comm: d.comm, path: path}
}

// Call invokes the callable at the given dot path relative to this
// driver and returns the decoded result. An empty path invokes the
// driver's own chain. Func-valued arguments are exported to the remote
// side for the duration of the call; wrap them with Retain to keep the
// export alive past the Return.
//
// Results decode with the channel codec's generic mapping (JSON
// numbers arrive as float64). Use CallTo or Bind for typed results.
func (d *Driver) Call(ctx context.Context, path string, args ...interface{}) (interface{}, error) {
	var result interface{}
	if err := d.CallTo(ctx, path, &result, args...); err != nil {
		return nil, err
	}
	return result, nil
}

// CallTo is Call with the result decoded into the pointer result.
// Pass nil to discard the result.
func (d *Driver) CallTo(ctx context.Context, path string, result interface{}, args ...interface{}) error {
	raw, err := d.comm.call(ctx, d.listener(path), args)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return d.comm.codec.Unmarshal(raw, result)
}

// listener joins the driver's chain with a relative dot path.
func (d *Driver) listener(path string) string {
	if path == "" {
		return strings.Join(d.path, ".")
	}
	if len(d.path) == 0 {
		return path
	}
	return strings.Join(d.path, ".") + "." + path
}

// Retained marks a callable argument whose exported handle must outlive
// the call's Return, for callbacks the remote side stores and invokes
// later. The exporter is then responsible for the handle's lifetime;
// it is reclaimed when the communicator closes.
type Retained struct {
	Callable interface{}
}

// Retain wraps a callable argument so its handle survives the Return.
func Retain(callable interface{}) Retained {
	return Retained{Callable: callable}
}

// Bind fills a facade struct with generated functions so remote calls
// read like local ones. facade must be a pointer to a struct whose
// exported func-typed fields become remote invocations; struct-typed
// fields recurse with their name joined onto the path.
//
// Field signatures may take a leading context.Context and must return
// at most one value plus an optional trailing error. The wire listener
// for a field is its name with the first rune lowered, overridable with
// a `tgrid:"name"` tag.
func (d *Driver) Bind(facade interface{}) error {
	v := reflect.ValueOf(facade)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("facade must be a pointer to a struct, got %T", facade)
	}
	return d.bindStruct(v.Elem())
}

func (d *Driver) bindStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		name := field.Tag.Get("tgrid")
		if name == "" {
			name = lowerName(field.Name)
		}

		switch field.Type.Kind() {
		case reflect.Func:
			fn, err := makeRemoteFunc(d.comm, d.listener(name), field.Type)
			if err != nil {
				return fmt.Errorf("field %s: %w", field.Name, err)
			}
			v.Field(i).Set(fn)
		case reflect.Struct:
			if err := d.Prop(name).bindStruct(v.Field(i)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("field %s: facade fields must be funcs or structs", field.Name)
		}
	}
	return nil
}

// makeRemoteFunc generates a func of the given type whose body emits a
// Call to listener and decodes the Return. Shared by Bind and by the
// materialisation of incoming by-reference parameters.
func makeRemoteFunc(c *Communicator, listener string, ft reflect.Type) (reflect.Value, error) {
	if ft.IsVariadic() {
		return reflect.Value{}, fmt.Errorf("variadic signatures are not supported: %s", ft)
	}

	ctxFirst := ft.NumIn() > 0 && ft.In(0) == contextType
	errLast := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType
	numVals := ft.NumOut()
	if errLast {
		numVals--
	}
	if numVals > 1 {
		return reflect.Value{}, fmt.Errorf("at most one non-error result is supported: %s", ft)
	}

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := c.ctx
		if ctxFirst {
			ctx = in[0].Interface().(context.Context)
			in = in[1:]
		}
		args := make([]interface{}, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}

		raw, err := c.call(ctx, listener, args)

		outs := make([]reflect.Value, 0, ft.NumOut())
		if numVals == 1 {
			ptr := reflect.New(ft.Out(0))
			if err == nil {
				err = c.codec.Unmarshal(raw, ptr.Interface())
			}
			outs = append(outs, ptr.Elem())
		}
		if errLast {
			errVal := reflect.New(errorType).Elem()
			if err != nil {
				errVal.Set(reflect.ValueOf(err))
			}
			outs = append(outs, errVal)
		} else if err != nil {
			// No error slot to surface it through; mirror a remote
			// throw in an error-less signature.
			panic(err)
		}
		return outs
	}), nil
}

// lowerName lowers the first rune so Go-cased facade fields map onto
// the wire's lower-camel listeners.
func lowerName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}
