// Package migrations embeds the SQL schema files for each of the three
// sqlite-backed stores (core, scheduler, workflow).
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed core/*.sql
var coreFS embed.FS

//go:embed scheduler/*.sql
var schedulerFS embed.FS

//go:embed workflow/*.sql
var workflowFS embed.FS

func sub(f embed.FS, dir string) fs.FS {
	out, err := fs.Sub(f, dir)
	if err != nil {
		panic(err) // embed paths are fixed at compile time
	}
	return out
}

// Core returns the primary store's migration files.
func Core() fs.FS { return sub(coreFS, "core") }

// Scheduler returns the scheduler store's migration files.
func Scheduler() fs.FS { return sub(schedulerFS, "scheduler") }

// Workflow returns the workflow store's migration files.
func Workflow() fs.FS { return sub(workflowFS, "workflow") }
