// Command ssa prints the flattened instruction streams and register tables
// built for the functions of a package. Useful when checking how register
// numbers line up with SSA values.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	concolic "github.com/McSinyx/klee-concolic"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

func main() {
	if err := run(os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ssa", flag.ContinueOnError)
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("package required")
	}

	// Load the requested packages.
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, fs.Args()...)
	if err != nil {
		return err
	} else if packages.PrintErrors(initial) > 0 {
		return fmt.Errorf("packages contain errors")
	}

	// Build program in SSA form.
	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
		pkg.SetDebugMode(true)
	}
	prog.Build()

	mod := concolic.NewModule(prog)

	var fns []*ssa.Function
	for _, pkg := range pkgs {
		for _, m := range pkg.Members {
			if m, ok := m.(*ssa.Function); ok {
				fns = append(fns, m)
			}
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })

	for _, fn := range fns {
		if fn.Blocks == nil {
			continue
		}
		printFunction(mod.Function(fn))
	}
	return nil
}

func printFunction(f *concolic.Function) {
	fmt.Printf("%s: args=%d registers=%d\n", f.Name, f.NumArgs, f.NumRegisters)
	for i := 0; i < f.NumArgs; i++ {
		fmt.Printf("  r%-3d = param %s\n", i, f.Fn.Params[i].Name())
	}
	for _, instr := range f.Instructions {
		if instr.Dest >= 0 {
			fmt.Printf("  r%-3d = %s\n", instr.Dest, instr.Instr)
		} else {
			fmt.Printf("         %s\n", instr.Instr)
		}
	}
	fmt.Println("")
}

func usage() {
	fmt.Fprintln(os.Stderr, `
usage: ssa [package]

Prints the flattened instruction stream and register assignments for each
function of the package.
`[1:])
}
