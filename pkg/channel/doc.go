// Package channel defines the per-channel state of the olfactometer. It
// contains:
//
//   - State: the discrete calibration steps of a channel
//   - Channel: the mutable record owned by the controller
//   - Snapshot: a value copy returned by HTTP APIs and published as events
//   - Persisted: the {active, flow} pair stored in the settings file
//
// These types are shared across controller, daemon and client code to keep
// JSON contracts consistent.
package channel
