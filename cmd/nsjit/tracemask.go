package main

import (
	"fmt"
	"strings"
)

// traceBit is one stage of the driver's debug bitmask. Only "compile"
// and "asm" have anything to report in this build (lex/parse/annotate don't
// exist -- there is no front end -- and eager/inline-refcount describe
// compiler policies this package always applies, so they are accepted for
// compatibility with the full bitmask vocabulary but never change behavior).
type traceBit uint8

const (
	traceLex traceBit = 1 << iota
	traceParse
	traceCompile
	traceAsm
	traceEager
	traceInlineRefcount
)

var traceNames = map[string]traceBit{
	"lex":             traceLex,
	"parse":           traceParse,
	"compile":         traceCompile,
	"asm":             traceAsm,
	"eager":           traceEager,
	"inline-refcount": traceInlineRefcount,
}

// traceMask implements pflag.Value so --trace can be given as a
// comma-separated list and repeated to accumulate bits.
type traceMask struct{ bits traceBit }

func (m *traceMask) String() string {
	if m == nil || m.bits == 0 {
		return ""
	}
	var parts []string
	for name, bit := range traceNames {
		if m.bits&bit != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

func (m *traceMask) Set(s string) error {
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bit, ok := traceNames[name]
		if !ok {
			return fmt.Errorf("unknown trace stage %q", name)
		}
		m.bits |= bit
	}
	return nil
}

func (m *traceMask) Type() string { return "stage[,stage...]" }

func (m *traceMask) has(bit traceBit) bool { return m.bits&bit != 0 }
