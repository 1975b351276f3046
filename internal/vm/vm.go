// Package vm executes compiled policy bytecode: the OPA-wasm module
// emitted by opa build is instantiated fresh per evaluation and invoked
// through the OPA-wasm ABI (opa_malloc, opa_json_parse, opa_eval_ctx_new,
// opa_eval_ctx_set_input, eval, opa_eval_ctx_get_result, opa_json_dump),
// bounded by a clamped memory ceiling.
package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"cupcake/internal/cupcakeerr"
)

// DefaultMemoryCeiling is the default WASM linear-memory ceiling per
// evaluation.
const DefaultMemoryCeiling = 10 * 1024 * 1024

// MinMemoryCeiling and MaxMemoryCeiling bound a configured ceiling.
const (
	MinMemoryCeiling = 1 * 1024 * 1024
	MaxMemoryCeiling = 100 * 1024 * 1024
)

// ClampMemoryCeiling enforces the [1 MiB, 100 MiB] bound on a configured
// memory ceiling, substituting DefaultMemoryCeiling for <= 0.
func ClampMemoryCeiling(bytes int) uint32 {
	if bytes <= 0 {
		bytes = DefaultMemoryCeiling
	}
	if bytes < MinMemoryCeiling {
		bytes = MinMemoryCeiling
	}
	if bytes > MaxMemoryCeiling {
		bytes = MaxMemoryCeiling
	}
	return uint32(bytes)
}

// Module wraps a compiled OPA-wasm bytecode buffer. It is immutable and
// safe to share by reference across concurrent evaluations: each Eval call
// builds its own runtime (cheap after the first, through the shared
// compilation cache) with its own linear memory, so no VM state leaks
// between evaluations.
type Module struct {
	cache          wazero.CompilationCache
	bytecode       []byte
	memoryCeiling  uint32
	entrypointName string
}

// Compile validates bytecode by compiling it once into a shared
// compilation cache; the returned Module can then be Eval'd repeatedly,
// each call getting a fresh instance so no state leaks between events.
func Compile(ctx context.Context, bytecode []byte, entrypoint string, memoryCeilingBytes int) (*Module, error) {
	m := &Module{
		cache:          wazero.NewCompilationCache(),
		bytecode:       bytecode,
		memoryCeiling:  ClampMemoryCeiling(memoryCeilingBytes),
		entrypointName: entrypoint,
	}

	rt := m.newRuntime(ctx)
	defer rt.Close(ctx)
	if _, err := rt.CompileModule(ctx, bytecode); err != nil {
		m.cache.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	return m, nil
}

func (m *Module) newRuntime(ctx context.Context) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(m.cache).
		WithMemoryLimitPages(m.memoryCeiling / wasmPageSize)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// Close releases the shared compilation cache.
func (m *Module) Close(ctx context.Context) error {
	return m.cache.Close(ctx)
}

// Eval invokes the module's entrypoint synchronously with input as the
// evaluation's JSON input document, and unmarshals the raw result into
// out. The VM invocation itself is synchronous and CPU-bound; the caller
// is expected to run it on a blocking-allowed worker when embedding in an
// async host.
// Any instantiation or trap failure is returned as
// *cupcakeerr.EvaluationError; a malformed result as
// *cupcakeerr.SynthesizerContractError.
func (m *Module) Eval(ctx context.Context, input json.RawMessage, out any) error {
	rt := m.newRuntime(ctx)
	defer rt.Close(ctx)

	instance, err := instantiate(ctx, rt, m.bytecode, m.memoryCeiling/wasmPageSize)
	if err != nil {
		return &cupcakeerr.EvaluationError{Cause: err}
	}

	result, err := evalOPAABI(ctx, instance, input)
	if err != nil {
		return &cupcakeerr.EvaluationError{Cause: err}
	}

	// The entrypoint's output comes back wrapped in OPA's result set:
	// [{"result": <value>}]. An empty set means the entrypoint was
	// undefined, which leaves out at its zero value.
	var resultSet []struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(result, &resultSet); err != nil {
		return &cupcakeerr.SynthesizerContractError{Reason: fmt.Sprintf("malformed VM result set: %v", err)}
	}
	if len(resultSet) == 0 {
		return nil
	}
	if err := json.Unmarshal(resultSet[0].Result, out); err != nil {
		return &cupcakeerr.SynthesizerContractError{Reason: fmt.Sprintf("malformed VM result: %v", err)}
	}
	return nil
}

const wasmPageSize = 65536

// evalOPAABI drives the OPA-wasm calling convention:
//  1. opa_malloc(len(input)) to get a guest buffer, write input into it.
//  2. opa_json_parse(addr, len) to parse the buffer into a guest value.
//  3. opa_eval_ctx_new() to get a fresh evaluation context.
//  4. opa_eval_ctx_set_input(ctx, value) to bind the parsed input.
//  5. eval(ctx) to run the compiled policy.
//  6. opa_eval_ctx_get_result(ctx) to get the result value address.
//  7. opa_json_dump(result) to get a guest address of the JSON string,
//     read back from linear memory via the exported "memory".
func evalOPAABI(ctx context.Context, instance api.Module, input json.RawMessage) ([]byte, error) {
	mem := instance.Memory()
	if mem == nil {
		return nil, fmt.Errorf("wasm module exports no memory")
	}

	malloc := instance.ExportedFunction("opa_malloc")
	jsonParse := instance.ExportedFunction("opa_json_parse")
	ctxNew := instance.ExportedFunction("opa_eval_ctx_new")
	setInput := instance.ExportedFunction("opa_eval_ctx_set_input")
	evalFn := instance.ExportedFunction("eval")
	getResult := instance.ExportedFunction("opa_eval_ctx_get_result")
	jsonDump := instance.ExportedFunction("opa_json_dump")
	if malloc == nil || jsonParse == nil || ctxNew == nil || setInput == nil || evalFn == nil || getResult == nil || jsonDump == nil {
		return nil, fmt.Errorf("wasm module does not export the expected OPA ABI")
	}

	addrRes, err := malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("opa_malloc: %w", err)
	}
	addr := uint32(addrRes[0])
	if !mem.Write(addr, input) {
		return nil, fmt.Errorf("write input into wasm memory out of range")
	}

	valueRes, err := jsonParse.Call(ctx, uint64(addr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("opa_json_parse: %w", err)
	}
	if valueRes[0] == 0 {
		return nil, fmt.Errorf("opa_json_parse rejected the input document")
	}

	evalCtxRes, err := ctxNew.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("opa_eval_ctx_new: %w", err)
	}
	evalCtx := evalCtxRes[0]

	if _, err := setInput.Call(ctx, evalCtx, valueRes[0]); err != nil {
		return nil, fmt.Errorf("opa_eval_ctx_set_input: %w", err)
	}

	if _, err := evalFn.Call(ctx, evalCtx); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	resultAddrRes, err := getResult.Call(ctx, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("opa_eval_ctx_get_result: %w", err)
	}

	dumpRes, err := jsonDump.Call(ctx, resultAddrRes[0])
	if err != nil {
		return nil, fmt.Errorf("opa_json_dump: %w", err)
	}

	return readCString(mem, uint32(dumpRes[0]))
}

// readCString reads a NUL-terminated string out of the module's linear
// memory starting at addr, the convention opa_json_dump's return uses.
func readCString(mem api.Memory, addr uint32) ([]byte, error) {
	const maxScan = 64 * 1024 * 1024
	var out []byte
	for i := uint32(0); i < maxScan; i++ {
		b, ok := mem.ReadByte(addr + i)
		if !ok {
			return nil, fmt.Errorf("read out of wasm memory bounds at offset %d", i)
		}
		if b == 0 {
			return out, nil
		}
		out = append(out, b)
	}
	return nil, fmt.Errorf("result string exceeded %d bytes without a NUL terminator", maxScan)
}
