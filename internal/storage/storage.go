// Package storage defines the pluggable key-value store the agent
// orchestrator persists its state through. Any implementation of Store can be
// swapped in without changing orchestrator logic.
package storage

// Store is a minimal key-value interface. Get returns (nil, nil) for a
// missing key rather than an error, so callers can distinguish absence from
// failure.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]string, error)
	Close() error
}
