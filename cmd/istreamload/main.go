// Command istreamload loads a single Wasm binary module, links it against
// an empty host environment, and optionally calls one of its exported
// functions against the istream interpreter — a smoke-test harness for
// the loader, grounded on wippyai-wasm-runtime's cmd/run/main.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/corelog"
	"github.com/gowasm/istream/pkg/decoder/binary"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/hostdelegate"
	"github.com/gowasm/istream/pkg/loader"
	"github.com/gowasm/istream/pkg/vm"
	"go.uber.org/zap"
)

// emptyHosts answers every host lookup with "not a host module", routing
// every import to another loaded module's exports.
type emptyHosts struct{}

func (emptyHosts) Lookup(string) (*hostdelegate.HostModule, bool) { return nil, false }

func main() {
	var (
		wasmFile = flag.String("wasm", "", "path to a Wasm binary module")
		funcName = flag.String("func", "", "exported function to call (optional)")
		args     = flag.String("args", "", "comma-separated unsigned 64-bit arguments (raw value bits)")
		verbose  = flag.Bool("v", false, "enable structured logging")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "usage: istreamload -wasm <file.wasm> [-func name] [-args 1,2,3]")
		os.Exit(1)
	}

	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			corelog.SetLogger(l)
		}
	}

	if err := run(*wasmFile, *funcName, *args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(wasmFile, funcName, argsStr string) error {
	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	env := environment.New()
	mod, err := loader.Load(env, emptyHosts{}, "main", data, binary.Decoder{})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	fmt.Printf("loaded %q: %d signature(s), %d function(s), %d export(s)\n",
		wasmFile, len(env.Signatures), len(env.Functions), len(mod.Exports))
	for _, e := range mod.Exports {
		fmt.Printf("  export %-20s kind=%d env-index=%d\n", e.Name, e.Type, e.Index)
	}

	if funcName == "" {
		return nil
	}

	export, ok := mod.FindExport(funcName)
	if !ok || export.Type != api.ExternTypeFunc {
		return fmt.Errorf("no exported function %q", funcName)
	}
	fn := env.Functions[export.Index]

	var callArgs []uint64
	if argsStr != "" {
		for _, s := range strings.Split(argsStr, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return fmt.Errorf("parse arg %q: %w", s, err)
			}
			callArgs = append(callArgs, v)
		}
	}

	m := vm.New(env)
	results, err := m.Call(fn, callArgs)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	fmt.Printf("%s%v => %v\n", funcName, callArgs, results)
	return nil
}
