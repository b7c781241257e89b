package guard

import (
	"fmt"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"cfgchain/internal/host"
)

// NameOptions controls display name resolution.
type NameOptions struct {
	// Short drops parameter lists and template arguments from demangled names.
	Short bool
}

type demangleKey struct {
	mangled string
	short   bool
}

// demangleCache memoizes demangling results. Failed demangles are cached as
// empty strings.
var demangleCache = struct {
	mu sync.RWMutex
	m  map[demangleKey]string
}{m: make(map[demangleKey]string)}

// Demangle returns the demangled form of name, or "" when name is not a
// mangled symbol.
func Demangle(name string, short bool) string {
	key := demangleKey{name, short}

	demangleCache.mu.RLock()
	cached, ok := demangleCache.m[key]
	demangleCache.mu.RUnlock()
	if ok {
		return cached
	}

	var opts []demangle.Option
	if short {
		opts = append(opts, demangle.NoParams, demangle.NoTemplateParams)
	}
	demangled, err := demangle.ToString(name, opts...)
	if err != nil {
		demangled = ""
	}

	demangleCache.mu.Lock()
	demangleCache.m[key] = demangled
	demangleCache.mu.Unlock()
	return demangled
}

// FormatAddress renders an address the way unnamed functions are labelled.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}

// ResolveName returns a human readable label for addr: the demangled name of
// the function there, its raw name, or the address in hex.
func ResolveName(idx host.FunctionIndex, addr uint64, opts NameOptions) string {
	fn, ok := idx.FunctionAt(addr)
	if !ok || fn.Name == "" {
		return FormatAddress(addr)
	}
	if demangled := Demangle(fn.Name, opts.Short); demangled != "" {
		return demangled
	}
	return fn.Name
}
