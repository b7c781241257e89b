package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cfgchain/internal/guard"
)

// ErrUnknownStart is returned when a start argument names no function.
var ErrUnknownStart = errors.New("no function matches start")

// resolveStart turns a command line start into an address. A 0x prefix
// forces an address; otherwise raw symbol names win over display names,
// and a bare hex string is the last resort.
func resolveStart(reg *guard.Registry, arg string) (uint64, error) {
	s := strings.TrimSpace(arg)
	if s == "" {
		return 0, fmt.Errorf("%w: empty start", ErrUnknownStart)
	}
	if digits, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		addr, err := strconv.ParseUint(digits, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start address %q: %w", arg, err)
		}
		return addr, nil
	}

	if fn, ok := reg.Host().FunctionByName(s); ok {
		return fn.Start, nil
	}
	records, err := reg.List()
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		if rec.Name == s {
			return rec.Address, nil
		}
	}
	if addr, err := strconv.ParseUint(s, 16, 64); err == nil {
		return addr, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownStart, arg)
}
