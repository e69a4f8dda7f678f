//go:build wasip1

package main

import (
	"encoding/json"
	"unsafe"
)

// buffers keeps host-visible allocations reachable until the host frees them.
var buffers = map[uint32][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(buffers, ptr)
}

//go:wasmexport avtune_verify
func avtuneVerify(ptr, length uint32) uint64 {
	return reply(handle(input(ptr, length)))
}

//go:wasmexport avtune_apply
func avtuneApply(ptr, length uint32) uint64 {
	return reply(handle(input(ptr, length)))
}

func input(ptr, length uint32) []byte {
	buf, ok := buffers[ptr]
	if !ok || uint32(len(buf)) < length {
		return nil
	}
	return buf[:length]
}

// reply hands the encoded response to the host as (ptr << 32) | len.
func reply(resp response) uint64 {
	out, err := json.Marshal(resp)
	if err != nil {
		out = []byte(`{"error":"failed to encode response"}`)
	}
	ptr := malloc(uint32(len(out)))
	copy(buffers[ptr], out)
	return uint64(ptr)<<32 | uint64(len(out))
}

func main() {}
