// Package session holds panel session reliability settings, reconnect backoff,
// and frame sequence allocation. Connection handling itself lives in package panel.
package session
