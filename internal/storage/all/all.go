// Package all registers every storage backend and the database drivers they
// open through database/sql. Binaries import it for side effects only.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "movieetl/internal/storage/mssql"
	_ "movieetl/internal/storage/postgres"
	_ "movieetl/internal/storage/sqlite"
)
