package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/control/*.sql
var controlFS embed.FS

//go:embed migrations/tenant/*.sql
var tenantFS embed.FS

// ControlMigrations returns the schema of the platform directory database.
func ControlMigrations() fs.FS {
	return mustSub(controlFS, "migrations/control")
}

// TenantMigrations returns the schema applied to every tenant database.
func TenantMigrations() fs.FS {
	return mustSub(tenantFS, "migrations/tenant")
}

func mustSub(fsys embed.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
