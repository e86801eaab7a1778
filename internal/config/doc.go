// Package config loads the daemon configuration: the endpoint pool source,
// wallet credential store, dispatch amount and confirmation policy, selector
// allow-list and safe harbor, scheduler interval and the optional lock,
// notifier and trigger backends. Values come from a JSON file, a small set of
// deployment environment variables, and defaults applied afterwards.
package config
