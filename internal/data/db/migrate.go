package db

import (
	"github.com/fieldmesh/coremachine/internal/data/repos/jobtask"
)

// Migrate applies the schema for the job/task tables (spec §6). Called
// once at startup; production deployments may instead run this as a
// separate migration step ahead of rolling out new binaries.
func (s *PostgresService) Migrate() error {
	return s.db.AutoMigrate(
		&jobtask.JobRow{},
		&jobtask.TaskRow{},
	)
}
