package module

import (
	"fmt"
	"reflect"
)

// Symbol is the narrow view of a loaded Go plugin the Loader actually
// needs: looking up an exported name and getting back an opaque value to
// type-assert or reflect-invoke.
type Symbol interface {
	Lookup(name string) (any, error)
}

// Opener resolves a path to a plugin's exported symbols. The stdlib
// plugin.Open satisfies this (via the adapter in pkg/loader), and tests
// substitute an in-memory fake — plugin.Open returns the already-loaded
// plugin when a path is opened a second time and cannot target a fake .so
// at all, so this seam is what makes the Loader testable.
type Opener interface {
	Open(path string) (Symbol, error)
}

// EntryPoint is the resolved, ready-to-invoke half of a module (its
// client.so or server.so).
type EntryPoint struct {
	Description  string
	Dependencies []string
	main         reflect.Value
}

// Resolve reads KiwiDescription, KiwiDependencies and KiwiMain out of an
// opened plugin. KiwiDescription and KiwiDependencies are optional;
// KiwiMain is required and must be a func with 0, 1 or 2 parameters,
// where a 1-parameter signature takes *Helper and a 2-parameter
// signature takes (*Helper, []string) for a client module's invocation
// arguments, or (*Helper, *bridge.Ingress) for a server module.
func Resolve(sym Symbol) (*EntryPoint, error) {
	ep := &EntryPoint{}

	if v, err := sym.Lookup("KiwiDescription"); err == nil {
		if s, ok := derefString(v); ok {
			ep.Description = s
		}
	}
	if v, err := sym.Lookup("KiwiDependencies"); err == nil {
		if s, ok := derefStringSlice(v); ok {
			ep.Dependencies = s
		}
	}

	mainSym, err := sym.Lookup("KiwiMain")
	if err != nil {
		return nil, fmt.Errorf("resolving KiwiMain: %w", err)
	}
	fn := reflect.ValueOf(mainSym)
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("KiwiMain is not a function")
	}
	if n := fn.Type().NumIn(); n > 2 {
		return nil, fmt.Errorf("KiwiMain takes %d parameters, want 0, 1 or 2", n)
	}
	ep.main = fn
	return ep, nil
}

// Arity reports how many parameters the resolved KiwiMain accepts.
func (ep *EntryPoint) Arity() int { return ep.main.Type().NumIn() }

// Invoke calls KiwiMain with as many of (helper, second) as its arity
// demands, and normalizes its return values to (exit code, error). For a
// client-side module, second is the invocation's []string arguments;
// for a server-side module, second is the request's *bridge.Ingress. A
// KiwiMain with no return values is treated as always succeeding with
// code 0; one return value is treated as an error (nil on success) or, if
// it is an int, as the exit code; two are treated as (int, error).
func (ep *EntryPoint) Invoke(helper any, second any) (code int, err error) {
	in := make([]reflect.Value, ep.Arity())
	if len(in) > 0 {
		in[0] = reflect.ValueOf(helper)
	}
	if len(in) > 1 {
		in[1] = reflect.ValueOf(second)
	}

	out := ep.main.Call(in)
	switch len(out) {
	case 0:
		return 0, nil
	case 1:
		return returnAsCodeOrErr(out[0])
	default:
		c, _ := out[0].Interface().(int)
		e, _ := out[1].Interface().(error)
		return c, e
	}
}

func returnAsCodeOrErr(v reflect.Value) (int, error) {
	if e, ok := v.Interface().(error); ok {
		if e != nil {
			return 1, e
		}
		return 0, nil
	}
	if c, ok := v.Interface().(int); ok {
		return c, nil
	}
	return 0, nil
}

func derefString(v any) (string, bool) {
	if p, ok := v.(*string); ok && p != nil {
		return *p, true
	}
	s, ok := v.(string)
	return s, ok
}

func derefStringSlice(v any) ([]string, bool) {
	if p, ok := v.(*[]string); ok && p != nil {
		return *p, true
	}
	s, ok := v.([]string)
	return s, ok
}
