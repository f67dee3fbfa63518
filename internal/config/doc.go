// Package config implements the configuration store for the drone command relay.
//
// Configuration is layered: the Baseline() values, an optional YAML file, then
// RELAY_* environment overrides. The merged result is validated before use.
//
// The command timeout classes live here because the dispatcher, the bridge
// simulator and the tests all have to agree on them.
package config
