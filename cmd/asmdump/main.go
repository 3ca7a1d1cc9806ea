// Command asmdump assembles a small textual directive file (or raw ASCII hex
// bytes with --parse-data) through pkg/asm and prints the result
// disassembled via golang.org/x/arch/x86/x86asm, so pkg/asm's encodings can
// be eyeballed against a known-good AT&T-syntax decoder.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"github.com/lcox74/nsjit/pkg/asm"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitIO    = 2
)

var parseData bool

var rootCmd = &cobra.Command{
	Use:   "asmdump [flags] [filename]",
	Short: "Assemble a directive file or raw hex bytes and disassemble the result",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolVar(&parseData, "parse-data", false, "treat the input as raw ASCII hex bytes instead of assembler directives")
}

func run(cmd *cobra.Command, args []string) error {
	var src *os.File
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitIO)
		}
		defer f.Close()
		src = f
	} else {
		src = os.Stdin
	}

	var code []byte
	if parseData {
		raw, err := io.ReadAll(src)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitIO)
		}
		cleaned := strings.Join(strings.Fields(string(raw)), "")
		decoded, err := hex.DecodeString(cleaned)
		if err != nil {
			fmt.Fprintln(os.Stderr, "asmdump: invalid hex input:", err)
			os.Exit(exitUsage)
		}
		code = decoded
	} else {
		a := asm.New()
		if err := parseDirectives(src, a); err != nil {
			fmt.Fprintln(os.Stderr, "asmdump:", err)
			os.Exit(exitUsage)
		}
		out, _, err := a.Assemble()
		if err != nil {
			fmt.Fprintln(os.Stderr, "asmdump:", err)
			os.Exit(exitUsage)
		}
		code = out
	}

	dumpDisassembly(code)
	return nil
}

func dumpDisassembly(code []byte) {
	pc := uint64(0)
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Printf("%#06x: (decode error: %v)\n", pc, err)
			return
		}
		fmt.Printf("%#06x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "asmdump:", err)
		os.Exit(exitUsage)
	}
}
