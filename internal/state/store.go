package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Lister is implemented by stores that can scan keys by prefix. Results are
// ordered by key, newest last for time-prefixed keys.
type Lister interface {
	ListPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error)
}
