// Package mysql opens pooled MySQL connections and applies the embedded schema
// migrations used by the credential store.
package mysql
