package guard

import (
	"fmt"
	"slices"
)

// DefaultMaxExpansions bounds the number of nodes a single search expands
// when Options.MaxExpansions is zero.
const DefaultMaxExpansions = 1 << 20

// Node is one function on a chain.
type Node struct {
	Address uint64 `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
}

// Chain is a path from the search start to a whitelisted function. Element 0
// is the start and every following element is a caller of the one before.
type Chain []Node

// Reversed returns the chain ordered from the whitelisted function back to
// the start.
func (c Chain) Reversed() Chain {
	out := slices.Clone(c)
	slices.Reverse(out)
	return out
}

// Names returns the node labels in chain order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, n := range c {
		out[i] = n.Name
	}
	return out
}

// Options controls a chain search.
type Options struct {
	// MaxDepth is the number of backward hops explored. 1 checks only the
	// immediate callers of the start address.
	MaxDepth int
	// IncludeSuppressed treats export suppressed entries as valid targets.
	IncludeSuppressed bool
	// MaxExpansions caps the number of expanded nodes. Zero means
	// DefaultMaxExpansions.
	MaxExpansions int
	// Prune skips re-expanding a function that was already expanded with at
	// least the same remaining depth. Without it every distinct path is
	// reported, which can be exponential on cyclic call graphs.
	Prune bool
}

// Result is the outcome of a search.
type Result struct {
	Start      Node    `json:"start" yaml:"start"`
	Depth      int     `json:"depth" yaml:"depth"`
	Chains     []Chain `json:"chains" yaml:"chains"`
	Expansions int     `json:"expansions" yaml:"expansions"`
	Truncated  bool    `json:"truncated" yaml:"truncated"`
}

// Searcher walks cross references backwards from a start address towards
// whitelisted functions.
type Searcher struct {
	reg *Registry
}

// NewSearcher returns a searcher over the registry's host.
func NewSearcher(reg *Registry) *Searcher {
	return &Searcher{reg: reg}
}

type searchState struct {
	whitelist map[uint64]struct{}
	budget    int
	visited   map[uint64]int
	names     map[uint64]string
	result    *Result
}

// Search enumerates every chain of at most opts.MaxDepth backward hops from
// start to a whitelisted function. When the expansion budget runs out the
// chains found so far are returned together with ErrExpansionLimit.
func (s *Searcher) Search(start uint64, opts Options) (*Result, error) {
	if opts.MaxDepth < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, opts.MaxDepth)
	}
	whitelist, err := s.reg.Whitelist(opts.IncludeSuppressed)
	if err != nil {
		return nil, err
	}

	budget := opts.MaxExpansions
	if budget <= 0 {
		budget = DefaultMaxExpansions
	}

	st := &searchState{
		whitelist: whitelist,
		budget:    budget,
		names:     make(map[uint64]string),
		result:    &Result{Depth: opts.MaxDepth, Chains: []Chain{}},
	}
	if opts.Prune {
		st.visited = make(map[uint64]int)
	}

	startNode := Node{Address: start, Name: s.name(st, start)}
	st.result.Start = startNode

	if !s.expand(st, Chain{startNode}, start, opts.MaxDepth) {
		st.result.Truncated = true
		return st.result, fmt.Errorf("%w after %d expansions", ErrExpansionLimit, st.result.Expansions)
	}
	return st.result, nil
}

func (s *Searcher) name(st *searchState, addr uint64) string {
	if n, ok := st.names[addr]; ok {
		return n
	}
	n := ResolveName(s.reg.Host(), addr, s.reg.NameOptions())
	st.names[addr] = n
	return n
}

// Callers returns the distinct functions owning a reference to addr, in
// ascending address order.
func (s *Searcher) Callers(addr uint64) []uint64 {
	h := s.reg.Host()
	seen := make(map[uint64]struct{})
	for _, site := range h.XrefsTo(addr) {
		for _, fn := range h.FunctionsContaining(site) {
			seen[fn.Start] = struct{}{}
		}
	}
	callers := make([]uint64, 0, len(seen))
	for c := range seen {
		callers = append(callers, c)
	}
	slices.Sort(callers)
	return callers
}

// expand reports the whitelisted callers of addr and recurses into every
// caller while depth remains. It returns false once the budget is spent.
func (s *Searcher) expand(st *searchState, path Chain, addr uint64, remaining int) bool {
	if st.visited != nil {
		if seen, ok := st.visited[addr]; ok && seen >= remaining {
			return true
		}
		st.visited[addr] = remaining
	}
	if st.result.Expansions >= st.budget {
		return false
	}
	st.result.Expansions++

	callers := s.Callers(addr)

	for _, c := range callers {
		if _, ok := st.whitelist[c]; !ok {
			continue
		}
		chain := make(Chain, len(path), len(path)+1)
		copy(chain, path)
		chain = append(chain, Node{Address: c, Name: s.name(st, c)})
		st.result.Chains = append(st.result.Chains, chain)
	}

	if remaining <= 1 {
		return true
	}

	for _, c := range callers {
		next := make(Chain, len(path), len(path)+1)
		copy(next, path)
		next = append(next, Node{Address: c, Name: s.name(st, c)})
		if !s.expand(st, next, c, remaining-1) {
			return false
		}
	}
	return true
}
