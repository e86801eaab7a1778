// Package redis builds the go-redis clients shared by the credential store,
// the cross-replica cycle lock and the Redis trigger queue.
package redis
