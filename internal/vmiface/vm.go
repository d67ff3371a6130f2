// Package vmiface declares the narrow, pure-function boundary to the
// smart-contract VM, an external collaborator treated as
// execute(bytecode, ctx) -> {success, gasUsed, stateChanges, logs}. It is
// narrowed to what ChainManager needs: a single Execute call rather than
// the multiple concrete engine tiers (light/heavy, wasm-backed) a full VM
// implementation would carry, since the VM itself is out of scope here.
package vmiface

import "ledgersync/internal/blockmodel"

// Context is the read-only execution context a caller precomputes before
// invoking the VM: rather than the VM calling back into ChainManager for
// balances, ChainManager hands it a closure-backed snapshot.
type Context struct {
	BlockHeight uint64
	Timestamp   int64
	BalanceOf   func(addr string) uint64
	Sender      string
	Value       uint64
	GasLimit    uint64
}

// VM executes bytecode against a Context and returns a pure result; it
// never mutates chain state directly.
type VM interface {
	Execute(bytecode []byte, ctx Context) (blockmodel.SmartContractResult, error)
}
