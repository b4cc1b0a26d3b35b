// Package chain houses blockchain connectivity for the dispatch service.
// It defines the marketplace client interface, a deterministic in-process
// simulator for tests and local runs, and an Ethereum driver that watches
// the marketplace contract for request events and submits signed delivery
// transactions.
package chain
