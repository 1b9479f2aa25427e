package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// migrationFilename matches 001_create_projects.up.sql.
var migrationFilename = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the catalog holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrUnpairedMigration is returned when an up file has no down file or the reverse.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when versions do not run 1..n without gaps.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrEmptyMigration is returned when a migration file has no content.
	ErrEmptyMigration = errors.New("empty migration file")
)

type (
	// Migration is one versioned schema change with both directions.
	Migration struct {
		Version  int
		Name     string
		Up       string
		Down     string
		Checksum string
	}

	// Catalog is the validated, ordered set of migrations in a file system.
	Catalog struct {
		fsys       fs.FS
		migrations []Migration
	}
)

// LoadCatalog reads and validates the migrations in fsys. A nil fsys uses the migrations
// compiled into the binary. Files not named like a migration are ignored.
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	if fsys == nil {
		fsys = embeddedMigrations
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	sum := make(map[int][]byte)

	for _, entry := range entries {
		m := migrationFilename.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}

		version, _ := strconv.Atoi(m[1])

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		if len(content) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyMigration, entry.Name())
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		}

		if mig.Name != m[2] {
			return nil, fmt.Errorf("%w: version %03d has names %q and %q", ErrUnpairedMigration, version, mig.Name, m[2])
		}

		if m[3] == "up" {
			mig.Up = entry.Name()
		} else {
			mig.Down = entry.Name()
		}

		sum[version] = append(sum[version], content...)
	}

	if len(byVersion) == 0 {
		return nil, ErrNoMigrations
	}

	migrations := make([]Migration, 0, len(byVersion))

	for _, mig := range byVersion {
		if mig.Up == "" || mig.Down == "" {
			return nil, fmt.Errorf("%w: %03d_%s", ErrUnpairedMigration, mig.Version, mig.Name)
		}

		digest := sha256.Sum256(sum[mig.Version])
		mig.Checksum = hex.EncodeToString(digest[:])
		migrations = append(migrations, *mig)
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })

	for i, mig := range migrations {
		if mig.Version != i+1 {
			return nil, fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, mig.Version)
		}
	}

	return &Catalog{fsys: fsys, migrations: migrations}, nil
}

// FS returns the file system the catalog was loaded from, for the iofs source driver.
func (c *Catalog) FS() fs.FS {
	return c.fsys
}

// Migrations returns the migrations in version order.
func (c *Catalog) Migrations() []Migration {
	return slices.Clone(c.migrations)
}

// Latest returns the highest version in the catalog.
func (c *Catalog) Latest() int {
	return c.migrations[len(c.migrations)-1].Version
}

// Pending returns the migrations above version.
func (c *Catalog) Pending(version int) []Migration {
	i, _ := slices.BinarySearchFunc(c.migrations, version+1, func(m Migration, v int) int { return m.Version - v })

	return slices.Clone(c.migrations[i:])
}

// Describe renders a migration as "003 create_occurrences".
func (m Migration) Describe() string {
	return fmt.Sprintf("%03d %s", m.Version, m.Name)
}
