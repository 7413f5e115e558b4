// Package registry resolves the symbolic (module, name) reference
// stored with a task back to an invocable function.
//
// Go has no runtime import machinery, so the host populates a registry
// before starting the engine; the worker process, re-executed from the
// same binary, rebuilds the identical registry and resolves against it.
package registry

import (
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/autocron/internal/codec"
)

// TaskFunc is an executable task body. It receives the decoded
// positional and named arguments and returns a result value.
type TaskFunc func(args []any, kwargs map[string]any) (any, error)

// Resolver turns a stored function reference into a TaskFunc.
type Resolver interface {
	Resolve(module, name string) (TaskFunc, error)
}

// Registry is a map-based Resolver keyed by "module.name".
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

func New() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

func key(module, name string) string {
	return module + "." + name
}

// Register records fn under (module, name). Re-registering the same
// reference replaces the previous function.
func (r *Registry) Register(module, name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[key(module, name)] = fn
}

// Resolve returns the function registered under (module, name).
func (r *Registry) Resolve(module, name string) (TaskFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[key(module, name)]
	if !ok {
		return nil, fmt.Errorf("no function registered for %s", key(module, name))
	}
	return fn, nil
}

// Invoke resolves and calls the referenced function with encoded
// arguments, decoding them with c first.
func Invoke(r Resolver, c codec.Codec, module, name string, blob []byte) (any, error) {
	fn, err := r.Resolve(module, name)
	if err != nil {
		return nil, err
	}
	args, err := c.DecodeArguments(blob)
	if err != nil {
		return nil, err
	}
	return fn(args.Args, args.Kwargs)
}
