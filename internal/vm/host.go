package vm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// The compiled policy module imports its linear memory and a handful of
// host callbacks from a module named "env". wazero host modules can't
// define memories, so the env module is synthesized as a minimal wasm
// binary that owns the memory and re-exports the callbacks from the
// "cupcake" host module instantiated alongside it.

// envMinPages is the initial size of the env memory; the module grows it
// on demand up to the configured ceiling.
const envMinPages = 2

// instantiate wires one evaluation's module graph: host callbacks, the
// env shim owning a fresh linear memory capped at maxPages, then the
// policy module itself.
func instantiate(ctx context.Context, rt wazero.Runtime, bytecode []byte, maxPages uint32) (api.Module, error) {
	_, err := rt.NewHostModuleBuilder("cupcake").
		NewFunctionBuilder().WithFunc(opaAbort).Export("opa_abort").
		NewFunctionBuilder().WithFunc(opaPrintln).Export("opa_println").
		NewFunctionBuilder().WithFunc(opaBuiltin0).Export("opa_builtin0").
		NewFunctionBuilder().WithFunc(opaBuiltin1).Export("opa_builtin1").
		NewFunctionBuilder().WithFunc(opaBuiltin2).Export("opa_builtin2").
		NewFunctionBuilder().WithFunc(opaBuiltin3).Export("opa_builtin3").
		NewFunctionBuilder().WithFunc(opaBuiltin4).Export("opa_builtin4").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	if _, err := rt.InstantiateWithConfig(ctx, envModuleBinary(envMinPages, maxPages), wazero.NewModuleConfig().WithName("env")); err != nil {
		return nil, fmt.Errorf("instantiate env shim module: %w", err)
	}

	instance, err := rt.InstantiateWithConfig(ctx, bytecode, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate policy module: %w", err)
	}
	return instance, nil
}

// opaAbort is called by the policy module on an internal error; the
// message is surfaced as a trap so the evaluation fails closed.
func opaAbort(_ context.Context, m api.Module, addr uint32) {
	msg, err := readCString(m.Memory(), addr)
	if err != nil {
		panic("opa_abort with unreadable message")
	}
	panic("opa_abort: " + string(msg))
}

func opaPrintln(_ context.Context, m api.Module, addr uint32) {
	if msg, err := readCString(m.Memory(), addr); err == nil {
		slog.Debug("policy print", "message", string(msg))
	}
}

// The opa_builtinN callbacks exist for builtins the compiler couldn't
// inline natively. No SDK-level builtins are registered, so reaching one
// is a contract violation and traps the evaluation.
func opaBuiltin0(_ context.Context, _ api.Module, builtinID, _ uint32) uint32 {
	panic(fmt.Sprintf("policy requires unsupported SDK builtin %d", builtinID))
}

func opaBuiltin1(_ context.Context, _ api.Module, builtinID, _, _ uint32) uint32 {
	panic(fmt.Sprintf("policy requires unsupported SDK builtin %d", builtinID))
}

func opaBuiltin2(_ context.Context, _ api.Module, builtinID, _, _, _ uint32) uint32 {
	panic(fmt.Sprintf("policy requires unsupported SDK builtin %d", builtinID))
}

func opaBuiltin3(_ context.Context, _ api.Module, builtinID, _, _, _, _ uint32) uint32 {
	panic(fmt.Sprintf("policy requires unsupported SDK builtin %d", builtinID))
}

func opaBuiltin4(_ context.Context, _ api.Module, builtinID, _, _, _, _, _ uint32) uint32 {
	panic(fmt.Sprintf("policy requires unsupported SDK builtin %d", builtinID))
}

// envModuleBinary emits the wasm binary for the env shim:
//
//	(module
//	  (import "cupcake" "opa_abort"    (func (param i32)))
//	  (import "cupcake" "opa_println"  (func (param i32)))
//	  (import "cupcake" "opa_builtin0" (func (param i32 i32) (result i32)))
//	  ... opa_builtin1..4 with one extra i32 param each ...
//	  (memory (export "memory") minPages maxPages)
//	  (export "opa_abort" (func 0)) ... (export "opa_builtin4" (func 6)))
func envModuleBinary(minPages, maxPages uint32) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	// Type section: (i32)->() plus (i32 x n)->(i32) for n in 2..6.
	var types []byte
	types = append(types, uleb(6)...)
	types = append(types, 0x60, 0x01, 0x7F, 0x00)
	for n := 2; n <= 6; n++ {
		types = append(types, 0x60)
		types = append(types, uleb(uint32(n))...)
		for i := 0; i < n; i++ {
			types = append(types, 0x7F)
		}
		types = append(types, 0x01, 0x7F)
	}
	out = append(out, section(0x01, types)...)

	// Import section: the seven host callbacks.
	fields := []struct {
		name    string
		typeIdx uint32
	}{
		{"opa_abort", 0},
		{"opa_println", 0},
		{"opa_builtin0", 1},
		{"opa_builtin1", 2},
		{"opa_builtin2", 3},
		{"opa_builtin3", 4},
		{"opa_builtin4", 5},
	}
	var imports []byte
	imports = append(imports, uleb(uint32(len(fields)))...)
	for _, f := range fields {
		imports = append(imports, wasmName("cupcake")...)
		imports = append(imports, wasmName(f.name)...)
		imports = append(imports, 0x00)
		imports = append(imports, uleb(f.typeIdx)...)
	}
	out = append(out, section(0x02, imports)...)

	// Memory section: one bounded memory.
	var memory []byte
	memory = append(memory, uleb(1)...)
	memory = append(memory, 0x01)
	memory = append(memory, uleb(minPages)...)
	memory = append(memory, uleb(maxPages)...)
	out = append(out, section(0x05, memory)...)

	// Export section: the memory plus every imported callback re-exported
	// under the name the policy module imports it by.
	var exports []byte
	exports = append(exports, uleb(uint32(len(fields)+1))...)
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, 0x02)
	exports = append(exports, uleb(0)...)
	for i, f := range fields {
		exports = append(exports, wasmName(f.name)...)
		exports = append(exports, 0x00)
		exports = append(exports, uleb(uint32(i))...)
	}
	out = append(out, section(0x07, exports)...)

	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

// uleb encodes v as an unsigned LEB128 varint.
func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}
