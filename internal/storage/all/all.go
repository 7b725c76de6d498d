// Package all registers every storage backend with the factory. Binaries
// blank-import it so the configured kind is selectable at runtime.
package all

import (
	_ "ouraetl/internal/storage/mssql"
	_ "ouraetl/internal/storage/postgres"
	_ "ouraetl/internal/storage/sqlite"
)
