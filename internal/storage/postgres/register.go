package postgres

import "keyindex/internal/storage"

func init() {
	// registers the mapping store factory
	storage.Register("postgres", New)
}
