// Command nsjit drives internal/compiler against one of the example
// modules in internal/ast/examples.go (there is no lexer/parser front end
// in this repository) and runs its root fragment directly
// through internal/nativecall, printing the result. Uncaught exceptions
// surface through the active-exception register and are reported by class
// name.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lcox74/nsjit/internal/ast"
	"github.com/lcox74/nsjit/internal/compiler"
	"github.com/lcox74/nsjit/internal/context"
	"github.com/lcox74/nsjit/internal/nativecall"
	"github.com/lcox74/nsjit/internal/object"
	"github.com/lcox74/nsjit/internal/types"
	"github.com/lcox74/nsjit/pkg/codebuffer"
)

const (
	exitOK       = 0
	exitUsage    = 1
	exitUncaught = 1
)

var trace traceMask

var rootCmd = &cobra.Command{
	Use:   "nsjit [flags] module [args...]",
	Short: "Compile and run an example module's root fragment",
	Long: `nsjit compiles one of this repository's built-in example modules
(increment, negate, pow, factorial, tryfinally, sumlist, qsort,
nestedtry, greet -- see internal/ast/examples.go) and invokes its root
fragment with the given arguments.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runModule,
}

func init() {
	rootCmd.Flags().Var(&trace, "trace", "debug trace stages: lex,parse,compile,asm,eager,inline-refcount")
}

// resultKind tells the driver how to invoke the fragment and print what
// comes back.
type resultKind int

const (
	resultInt resultKind = iota
	resultFloat
	resultString
	resultListSorted // the fragment mutates a list argument; print the list
)

type exampleModule struct {
	build    func() *ast.Module
	argTypes []types.Value
	kind     resultKind
	// listArgs: parse the CLI arguments into one int64 list passed as the
	// fragment's first argument (any fixed argTypes follow it).
	listArgs bool
}

func intListType() types.Value {
	return types.Value{Tag: types.List, Extension: []types.Value{types.IntValue()}}
}

var examples = map[string]exampleModule{
	"increment":  {build: ast.Increment, argTypes: []types.Value{types.IntValue()}},
	"negate":     {build: ast.Negate, argTypes: []types.Value{types.FloatValueT()}, kind: resultFloat},
	"pow":        {build: ast.Pow, argTypes: []types.Value{types.IntValue(), types.IntValue()}},
	"factorial":  {build: ast.Factorial, argTypes: []types.Value{types.IntValue()}},
	"tryfinally": {build: ast.TryFinally, argTypes: []types.Value{types.IntValue()}},
	"sumlist":    {build: ast.SumList, argTypes: []types.Value{intListType()}, listArgs: true},
	"qsort":      {build: ast.Quicksort, argTypes: []types.Value{intListType(), types.IntValue(), types.IntValue()}, kind: resultListSorted, listArgs: true},
	"nestedtry":  {build: ast.NestedTry, argTypes: []types.Value{intListType()}, listArgs: true},
	"greet":      {build: ast.Greet, argTypes: []types.Value{types.IntValue()}, kind: resultString},
}

func runModule(cmd *cobra.Command, args []string) error {
	name := args[0]
	rest := args[1:]

	ex, ok := examples[name]
	if !ok {
		names := make([]string, 0, len(examples))
		for n := range examples {
			names = append(names, n)
		}
		fmt.Fprintf(os.Stderr, "nsjit: unknown module %q (available: %s)\n", name, strings.Join(names, ", "))
		os.Exit(exitUsage)
	}

	mod := ex.build()
	fn := mod.Body[0].(*ast.FunctionDef)

	cb := codebuffer.New(0)
	defer cb.Close()
	modCtx := context.NewModuleContext()
	c := compiler.New(cb, modCtx)
	rt, err := compiler.NewRuntime(cb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nsjit:", err)
		os.Exit(exitUsage)
	}
	c.AttachRuntime(rt)
	fc := modCtx.NewFunction(fn.Name)
	cf := c.Define(fn, fc)

	if trace.has(traceCompile) {
		fmt.Fprintf(os.Stderr, "[compile] %s%s\n", fn.Name, types.SignatureOf(ex.argTypes))
	}
	addr, err := c.Compile(cf, ex.argTypes)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nsjit:", err)
		os.Exit(exitUsage)
	}
	if trace.has(traceAsm) {
		fmt.Fprintf(os.Stderr, "[asm] installed at %#x\n", addr)
	}

	if ex.kind == resultFloat {
		if len(rest) != 1 {
			fmt.Fprintf(os.Stderr, "nsjit: %s expects 1 argument, got %d\n", name, len(rest))
			os.Exit(exitUsage)
		}
		arg, perr := strconv.ParseFloat(rest[0], 64)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "nsjit:", perr)
			os.Exit(exitUsage)
		}
		fmt.Println(nativecall.CallFloat64(addr, arg))
		return nil
	}

	var ints [6]int64
	var listBuf, listBacking []byte
	if ex.listArgs {
		items := make([]int64, len(rest))
		for i, s := range rest {
			v, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				fmt.Fprintln(os.Stderr, "nsjit:", perr)
				os.Exit(exitUsage)
			}
			items[i] = v
		}
		listBuf, listBacking = object.NewList(items, 0)
		_ = listBacking
		ints[0] = int64(object.HeapPtr(listBuf))
		// qsort's remaining fixed arguments are the full range.
		if len(ex.argTypes) == 3 {
			ints[1] = 0
			ints[2] = int64(len(items)) - 1
		}
	} else {
		if len(rest) != len(ex.argTypes) {
			fmt.Fprintf(os.Stderr, "nsjit: %s expects %d argument(s), got %d\n", name, len(ex.argTypes), len(rest))
			os.Exit(exitUsage)
		}
		for i, s := range rest {
			v, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				fmt.Fprintln(os.Stderr, "nsjit:", perr)
				os.Exit(exitUsage)
			}
			ints[i] = v
		}
	}

	result, exc := nativecall.CallInt64Exc(addr, ints[0], ints[1], ints[2], ints[3], ints[4], ints[5])
	if exc != 0 {
		id := object.InstanceClassIDAt(exc)
		fmt.Fprintf(os.Stderr, "uncaught exception: %s\n", c.ExceptionClassName(id))
		os.Exit(exitUncaught)
	}

	switch ex.kind {
	case resultString:
		fmt.Println(object.StringValueAt(uintptr(result)))
	case resultListSorted:
		out := make([]string, 0, object.ListLen(listBuf))
		for i := int64(0); i < object.ListLen(listBuf); i++ {
			out = append(out, strconv.FormatInt(object.ListGet(listBuf, int(i)), 10))
		}
		fmt.Println(strings.Join(out, " "))
	default:
		fmt.Println(result)
	}
	return nil
}

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nsjit:", err)
		os.Exit(exitUsage)
	}
}
