// Package app wires stores, services and the relay client into one graph
// for the CLI, and loads its configuration.
//
// Configuration is layered with koanf: built-in defaults, then
// <home>/config.yaml, then CIPHERFAN_ environment variables, then CLI flags.
package app
