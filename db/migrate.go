package db

import (
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// Necessary for reading migrations from disk
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type migrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (migrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return migrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return migrationStatus{}, err
	}
	return migrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		return err
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Steps(-steps)
}

// ForceVersion forces the database version, and resets the dirty state to false
func (d *DB) ForceVersion(version int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Force(version)
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		log.WithError(err).Error("Could not get Postgres instance")
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance(
		d.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return nil, err
	}
	return m, nil
}
