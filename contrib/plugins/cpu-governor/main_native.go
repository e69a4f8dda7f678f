//go:build !wasip1

package main

import (
	"encoding/json"
	"io"
	"os"
)

// main answers one request from stdin so the plugin can be tried without a
// WASM runtime:
//
//	echo '{"phase":"verify","os":"linux"}' | go run .
func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(handle(input)); err != nil {
		os.Exit(1)
	}
}
