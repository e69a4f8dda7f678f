package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/avtune/avtune/pkg/handlers"
)

// Exported functions every plugin must provide.
const (
	exportMalloc = "malloc"
	exportFree   = "free"
	exportVerify = "avtune_verify"
	exportApply  = "avtune_apply"
)

// bridge moves JSON requests and responses through WASM linear memory.
//
// Plugin functions have the signature fn(ptr, len u32) u64 and return
// (out_ptr << 32) | out_len. The output buffer is owned by the plugin and
// released with free once read.
type bridge struct {
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	verify  api.Function
	apply   api.Function
	timeout time.Duration
}

func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{memory: module.Memory(), timeout: timeout}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	for name, fn := range map[string]*api.Function{
		exportMalloc: &b.malloc,
		exportFree:   &b.free,
		exportVerify: &b.verify,
		exportApply:  &b.apply,
	} {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return b, nil
}

func (b *bridge) call(ctx context.Context, req *handlers.PluginRequest) (*handlers.PluginResponse, error) {
	fn, name := b.verify, exportVerify
	if req.Phase == handlers.PluginPhaseApply {
		fn, name = b.apply, exportApply
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.callFunction(ctx, fn, input)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	var resp handlers.PluginResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", name, err)
	}
	return &resp, nil
}

func (b *bridge) callFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view; copy before the plugin frees it.
	output := make([]byte, len(view))
	copy(output, view)
	b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}
