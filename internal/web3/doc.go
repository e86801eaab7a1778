// Package web3 houses blockchain connectivity for the dispatch engine: the
// endpoint abstraction shared by the selector and dispatcher, and the YAML
// chain definitions that describe which RPC endpoints form the pool.
package web3
