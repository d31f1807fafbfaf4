package tgrid

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru"
)

// handleListenerPrefix marks a listener that targets a transient
// exported callable instead of the provider root.
const handleListenerPrefix = "@handle:"

// releasedMemory bounds how many evicted handle uids the registry
// remembers for HandleReleased answers.
const releasedMemory = 4096

// providerRegistry maps uid -> callable for one Communicator. It holds
// the optional root provider under the reserved empty listener path and
// refcounted transient entries for callables exported as arguments.
type providerRegistry struct {
	mu      sync.RWMutex
	root    interface{}
	entries map[uint64]*registryEntry

	// released remembers recently evicted uids so a late Call against
	// one answers HandleReleased rather than ListenerNotFound.
	released *lru.Cache
}

type registryEntry struct {
	value reflect.Value
	refs  int
}

func newProviderRegistry() *providerRegistry {
	released, _ := lru.New(releasedMemory)
	return &providerRegistry{
		entries:  make(map[uint64]*registryEntry),
		released: released,
	}
}

// setRoot installs the root provider. The communicator only permits
// this before the channel is open.
func (r *providerRegistry) setRoot(provider interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = provider
}

// rootProvider returns the installed root, nil when none is exposed.
func (r *providerRegistry) rootProvider() interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

// install inserts a transient callable, or increments its refcount when
// the uid is already present.
func (r *providerRegistry) install(uid uint64, fn reflect.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[uid]; ok {
		entry.refs++
		return
	}
	r.entries[uid] = &registryEntry{value: fn, refs: 1}
}

// release decrements a transient entry's refcount and evicts it at
// zero. Released uids are remembered for HandleReleased answers.
func (r *providerRegistry) release(uid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[uid]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.entries, uid)
		r.released.Add(uid, struct{}{})
	}
}

// releaseAll evicts every transient entry. Called on communicator
// teardown so exported handles cannot leak past the session.
func (r *providerRegistry) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid := range r.entries {
		delete(r.entries, uid)
		r.released.Add(uid, struct{}{})
	}
}

// size returns the number of live transient entries.
func (r *providerRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// contains reports whether a transient entry is currently installed.
func (r *providerRegistry) contains(uid uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[uid]
	return ok
}

// resolve maps a listener path to a callable. Listeners beginning with
// "@handle:<n>" address transient entries directly; everything else is
// split on "." and walked against the root provider. The terminal leaf
// must be invocable.
func (r *providerRegistry) resolve(listener string) (reflect.Value, error) {
	if strings.HasPrefix(listener, handleListenerPrefix) {
		return r.resolveHandle(listener)
	}

	root := r.rootProvider()
	if root == nil {
		return reflect.Value{}, fmt.Errorf("%w: no provider exposed", ErrListenerNotFound)
	}

	current := reflect.ValueOf(root)
	if listener != "" {
		for _, name := range strings.Split(listener, ".") {
			next, ok := member(current, name)
			if !ok {
				return reflect.Value{}, fmt.Errorf("%w: %q", ErrListenerNotFound, listener)
			}
			current = next
		}
	}

	current = indirect(current)
	if !current.IsValid() || current.Kind() != reflect.Func || current.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: %q is not invocable", ErrListenerNotFound, listener)
	}
	return current, nil
}

// resolveHandle returns the transient entry named by an "@handle:<n>"
// listener. A dot-separated remainder after the uid is ignored; any
// other text after the digits makes the uid unparseable.
func (r *providerRegistry) resolveHandle(listener string) (reflect.Value, error) {
	rest := listener[len(handleListenerPrefix):]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	uid, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: bad handle listener %q", ErrListenerNotFound, listener)
	}

	r.mu.RLock()
	entry, ok := r.entries[uid]
	r.mu.RUnlock()
	if ok {
		return entry.value, nil
	}
	if r.released.Contains(uid) {
		return reflect.Value{}, fmt.Errorf("%w: uid %d", ErrHandleReleased, uid)
	}
	return reflect.Value{}, fmt.Errorf("%w: unknown handle uid %d", ErrListenerNotFound, uid)
}

// member resolves one path segment against a value: a bound method, a
// map entry, or a struct field, in that order. Bound methods keep their
// receiver, so a listener "a.b.c" invokes c with a.b as its receiver.
func member(v reflect.Value, name string) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}

	// Methods first, on the value as handed to us (pointer receivers
	// included), then on the dereferenced value.
	if m, ok := methodNamed(v, name); ok {
		return m, true
	}
	v = indirect(v)
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	if m, ok := methodNamed(v, name); ok {
		return m, true
	}

	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}
		entry := v.MapIndex(reflect.ValueOf(name))
		if !entry.IsValid() {
			return reflect.Value{}, false
		}
		return entry, true
	case reflect.Struct:
		if f := v.FieldByName(name); f.IsValid() {
			return f, true
		}
		if f := v.FieldByName(exportedName(name)); f.IsValid() {
			return f, true
		}
	}
	return reflect.Value{}, false
}

func methodNamed(v reflect.Value, name string) (reflect.Value, bool) {
	if m := v.MethodByName(name); m.IsValid() {
		return m, true
	}
	if m := v.MethodByName(exportedName(name)); m.IsValid() {
		return m, true
	}
	return reflect.Value{}, false
}

// indirect dereferences pointers and interfaces, stopping at nil.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// exportedName upper-cases the first rune so wire listeners like
// "plus" reach Go methods and fields named "Plus".
func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}
