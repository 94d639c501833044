// Package testutil contains helper fixtures and utilities used across tests
// to reduce boilerplate when constructing schemas and asserting on callback
// deliveries. These helpers are intentionally minimal and avoid adding
// third‑party dependencies. They are not intended for production usage.
package testutil
