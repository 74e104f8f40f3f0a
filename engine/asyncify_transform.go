package engine

import "github.com/wasmrr/wasmrr/asyncify"

// IsAsyncified checks if a WASM module has been asyncified.
var IsAsyncified = asyncify.IsAsyncified
