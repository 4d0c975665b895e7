// Package all registers every mapping store backend. Import it for side
// effects from binaries that select the backend at runtime.
package all

import (
	_ "keyindex/internal/storage/etcd"
	_ "keyindex/internal/storage/memory"
	_ "keyindex/internal/storage/mssql"
	_ "keyindex/internal/storage/postgres"
	_ "keyindex/internal/storage/redis"
	_ "keyindex/internal/storage/sqlite"
)
