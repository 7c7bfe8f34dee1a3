// Package engine provides the execution backends that run guest modules.
//
// Two backends implement the Engine interface:
//
//	InterpEngine  - the builtin interpreter (package interp), the default
//	WazeroEngine  - wazero in interpreter mode, used for cross-checking
//
// Both resolve imports against the host table (package host) and report
// traps as *errors.Error values of the trap phase, so callers cannot tell
// which backend ran a guest except by timing.
//
// # Lifecycle
//
//  1. Engine.Compile prepares a parsed, validated module once
//  2. Compiled.Acquire returns an instance in its initial state
//  3. Instance.Call invokes exports; host functions see the instance's
//     Session through the call context
//  4. Compiled.Release hands the instance back
//
// With Config.PoolInstances the builtin interpreter resets released
// instances and reuses them. Instances that trapped are never reused.
//
// # Thread Safety
//
// Engines and Compiled values are safe for concurrent use. An Instance
// belongs to one goroutine at a time.
package engine
