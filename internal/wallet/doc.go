// Package wallet restores the agent's signing identity. A snapshot is read
// from a credential store (file, MySQL agent_configs row or Redis key); when
// none exists the key from the environment is used and a snapshot is written
// back, encrypted with a keystore passphrase if one is configured.
package wallet
