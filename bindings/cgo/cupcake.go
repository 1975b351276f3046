// Package main builds as a C shared library (-buildmode=c-shared) exposing
// the engine to Python and Node hosts through a minimal FFI surface: create
// an engine for a project root, evaluate JSON events against it, free the
// returned strings, close the engine. Host-language lock release comes for
// free on both sides: ctypes drops the GIL for the duration of a foreign
// call, and the Node wrapper dispatches calls on the libuv thread pool.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"encoding/json"
	"sync"
	"unsafe"

	"cupcake/internal/bootstrap"
	"cupcake/internal/config"
	"cupcake/internal/harness"
	"cupcake/internal/orchestrator"
	"cupcake/internal/scanner"

	_ "cupcake/internal/harness/claudecode"
	_ "cupcake/internal/harness/cursor"
	_ "cupcake/internal/harness/factory"
	_ "cupcake/internal/harness/opencode"
)

// engines maps opaque handles to live orchestrators. Handles rather than
// pointers cross the FFI boundary so a host that passes a stale or garbage
// value gets an error, not a crash.
var (
	enginesMu  sync.Mutex
	engines    = map[int64]*orchestrator.Orchestrator{}
	nextHandle int64 = 1
)

// result is the JSON envelope every exported call returns: either the
// harness-shaped response plus the decision kind, or an error string.
type result struct {
	Body     json.RawMessage `json:"body,omitempty"`
	Decision string          `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func marshalResult(r result) *C.char {
	out, err := json.Marshal(r)
	if err != nil {
		return C.CString(`{"error":"internal: marshal result failed"}`)
	}
	return C.CString(string(out))
}

// CupcakeEngineNew builds both realms' engines for projectRoot and returns
// a handle > 0, or 0 on failure (with the cause retrievable via errOut,
// which the caller frees with CupcakeFree).
//
//export CupcakeEngineNew
func CupcakeEngineNew(projectRoot *C.char, errOut **C.char) C.longlong {
	paths, err := config.Resolve(C.GoString(projectRoot))
	if err != nil {
		*errOut = C.CString(err.Error())
		return 0
	}
	globalPaths, err := config.ResolveGlobal()
	if err != nil {
		*errOut = C.CString(err.Error())
		return 0
	}

	ctx := context.Background()
	project, err := bootstrap.BuildEngine(ctx, paths, bootstrap.Options{
		Name:       "project",
		Entrypoint: scanner.EntrypointProject,
	})
	if err != nil {
		*errOut = C.CString(err.Error())
		return 0
	}

	var global *orchestrator.Engine
	if globalPaths != nil {
		global, err = bootstrap.BuildEngine(ctx, globalPaths, bootstrap.Options{
			Name:       "global",
			Entrypoint: scanner.EntrypointGlobal,
		})
		if err != nil {
			*errOut = C.CString(err.Error())
			return 0
		}
	}

	orch := &orchestrator.Orchestrator{Global: global, Project: project}

	enginesMu.Lock()
	defer enginesMu.Unlock()
	handle := nextHandle
	nextHandle++
	engines[handle] = orch
	return C.longlong(handle)
}

// CupcakeEvaluate runs one hook event through the engine identified by
// handle and returns a JSON result envelope the caller must free with
// CupcakeFree.
//
//export CupcakeEvaluate
func CupcakeEvaluate(handle C.longlong, harnessName, eventJSON *C.char) *C.char {
	enginesMu.Lock()
	orch, ok := engines[int64(handle)]
	enginesMu.Unlock()
	if !ok {
		return marshalResult(result{Error: "unknown engine handle"})
	}

	h, err := harness.New(harness.Type(C.GoString(harnessName)))
	if err != nil {
		return marshalResult(result{Error: err.Error()})
	}

	body, decision, err := orch.Evaluate(context.Background(), h, []byte(C.GoString(eventJSON)))
	if err != nil {
		return marshalResult(result{Error: err.Error()})
	}
	return marshalResult(result{Body: body, Decision: decision.Kind.String()})
}

// CupcakeEngineClose releases the engine identified by handle. Evaluations
// already running on it finish normally.
//
//export CupcakeEngineClose
func CupcakeEngineClose(handle C.longlong) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	delete(engines, int64(handle))
}

// CupcakeFree releases a string returned by CupcakeEvaluate or written to
// CupcakeEngineNew's errOut.
//
//export CupcakeFree
func CupcakeFree(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func main() {}
