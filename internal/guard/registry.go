package guard

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"cfgchain/internal/host"
	"cfgchain/internal/logging"
)

// FunctionRecord is one whitelisted function.
type FunctionRecord struct {
	Address uint64 `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
	Flags   uint8  `json:"flags" yaml:"flags"`
}

// Suppressed reports whether the export suppressed flag is set.
func (r FunctionRecord) Suppressed() bool {
	return r.Flags&FlagExportSuppressed != 0
}

// Registry is a lazily built cache of the guard CF function table of one
// host image. It is never invalidated on its own; call Invalidate or Rebuild
// when the underlying image changes.
type Registry struct {
	host  host.Host
	names NameOptions
	log   *log.Logger

	mu      sync.Mutex
	built   bool
	desc    Descriptor
	records []FunctionRecord
	index   map[uint64]int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNameOptions sets how record names are resolved.
func WithNameOptions(opts NameOptions) RegistryOption {
	return func(r *Registry) { r.names = opts }
}

// WithLogger sets the logger used for build diagnostics.
func WithLogger(lg *log.Logger) RegistryOption {
	return func(r *Registry) { r.log = lg }
}

// NewRegistry creates an empty registry over h.
func NewRegistry(h host.Host, opts ...RegistryOption) *Registry {
	r := &Registry{host: h}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Default()
	}
	return r
}

// Host returns the host the registry reads from.
func (r *Registry) Host() host.Host { return r.host }

// NameOptions returns the options used to resolve record names.
func (r *Registry) NameOptions() NameOptions { return r.names }

// Build populates the registry. It is a no-op when already built. A failed
// build leaves the registry empty.
func (r *Registry) Build() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked()
}

func (r *Registry) buildLocked() error {
	if r.built {
		return nil
	}

	desc, err := ParseDescriptor(r.host)
	if err != nil {
		return fmt.Errorf("parse guard CF descriptor: %w", err)
	}
	r.log.Debug("guard CF table",
		"format", desc.Format.Name,
		"table", FormatAddress(desc.TableAddress),
		"count", desc.EntryCount,
		"entry_size", desc.EntrySize)

	base := r.host.BaseAddress()
	records := make([]FunctionRecord, 0, min(desc.EntryCount, 1<<16))
	index := make(map[uint64]int)
	skipped := 0

	for i := uint64(0); i < desc.EntryCount; i++ {
		entry := desc.EntryAddress(i)
		rva, err := r.host.ReadU32(entry)
		if err != nil {
			return fmt.Errorf("read entry %d: %w", i, err)
		}
		addr := base + uint64(rva)

		var flags uint8
		if desc.HasFlags() {
			flags, err = r.host.ReadU8(entry + entryRVASize)
			if err != nil {
				return fmt.Errorf("read entry %d flags: %w", i, err)
			}
		}

		if _, ok := r.host.FunctionAt(addr); !ok {
			skipped++
			continue
		}
		if _, dup := index[addr]; dup {
			r.log.Debug("duplicate guard CF entry", "address", FormatAddress(addr))
			continue
		}

		index[addr] = len(records)
		records = append(records, FunctionRecord{
			Address: addr,
			Name:    ResolveName(r.host, addr, r.names),
			Flags:   flags,
		})
	}

	r.log.Debug("guard CF registry built", "records", len(records), "unresolved", skipped)

	r.desc = desc
	r.records = records
	r.index = index
	r.built = true
	return nil
}

// Invalidate drops the cached table so the next access rebuilds it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = false
	r.desc = Descriptor{}
	r.records = nil
	r.index = nil
}

// Rebuild invalidates and builds the registry.
func (r *Registry) Rebuild() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.built = false
	return r.buildLocked()
}

// Built reports whether the registry is populated.
func (r *Registry) Built() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built
}

// Descriptor returns the table descriptor, building the registry if needed.
func (r *Registry) Descriptor() (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildLocked(); err != nil {
		return Descriptor{}, err
	}
	return r.desc, nil
}

// List returns every record in table order, building the registry if needed.
func (r *Registry) List() ([]FunctionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildLocked(); err != nil {
		return nil, err
	}
	out := make([]FunctionRecord, len(r.records))
	copy(out, r.records)
	return out, nil
}

// SearchBySubstring returns the records whose name contains pattern.
// Matching is case sensitive.
func (r *Registry) SearchBySubstring(pattern string) ([]FunctionRecord, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []FunctionRecord
	for _, rec := range all {
		if strings.Contains(rec.Name, pattern) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Lookup returns the record at addr.
func (r *Registry) Lookup(addr uint64) (FunctionRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildLocked(); err != nil {
		return FunctionRecord{}, false, err
	}
	i, ok := r.index[addr]
	if !ok {
		return FunctionRecord{}, false, nil
	}
	return r.records[i], true, nil
}

// Whitelist returns the set of valid indirect call targets. Records with the
// export suppressed flag are left out unless includeSuppressed is set.
func (r *Registry) Whitelist(includeSuppressed bool) (map[uint64]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildLocked(); err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, len(r.records))
	for _, rec := range r.records {
		if rec.Suppressed() && !includeSuppressed {
			continue
		}
		set[rec.Address] = struct{}{}
	}
	return set, nil
}
