// Package project manages an on-disk fireflow project: one directory holding
// the content store under objects/ and the SQLite metadata database,
// storage.sqlite.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/objectstore"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

const (
	// ObjectsDir is the content store directory inside a project.
	ObjectsDir = "objects"

	// DatabaseFile is the SQLite database file inside a project.
	DatabaseFile = "storage.sqlite"

	// DefaultDir is the conventional project location.
	DefaultDir = ".fireflow_project"
)

// DSN returns the SQLite connection string for a project directory: WAL
// journaling so readers never block the writer, a 5s busy timeout, and
// foreign keys enforced.
func DSN(dir string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(dir, DatabaseFile))
}

// Project is an open project directory.
type Project struct {
	dir     string
	db      *gorm.DB
	storage *storage.GormStorage
	objects *objectstore.FileStore
}

// Init creates the project layout under dir and migrates the database
// schema. Initializing an existing project again is harmless.
func Init(ctx context.Context, dir string) (*Project, error) {
	if err := os.MkdirAll(filepath.Join(dir, ObjectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create project layout: %w", err)
	}

	proj, err := open(dir)
	if err != nil {
		return nil, err
	}
	if err := proj.storage.Migrate(ctx); err != nil {
		_ = proj.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return proj, nil
}

// Open connects to an existing project directory, verifying the layout
// first.
func Open(dir string) (*Project, error) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("project directory %s not found (run `fireflow init`): %w",
			dir, core.ErrNotFound)
	}
	objDir := filepath.Join(dir, ObjectsDir)
	if fi, err := os.Stat(objDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("object store %s not found: %w", objDir, core.ErrNotFound)
	}
	dbFile := filepath.Join(dir, DatabaseFile)
	if fi, err := os.Stat(dbFile); err != nil || fi.IsDir() {
		return nil, fmt.Errorf("database %s not found: %w", dbFile, core.ErrNotFound)
	}
	return open(dir)
}

func open(dir string) (*Project, error) {
	db, err := gorm.Open(sqlite.Open(DSN(dir)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.ConfigurePoolFromConfig(db, storage.SQLitePoolConfig()); err != nil {
		return nil, err
	}

	objects, err := objectstore.NewFileStore(filepath.Join(dir, ObjectsDir))
	if err != nil {
		return nil, err
	}

	return &Project{
		dir:     dir,
		db:      db,
		storage: storage.NewGormStorage(db),
		objects: objects,
	}, nil
}

// Dir returns the project directory.
func (p *Project) Dir() string {
	return p.dir
}

// Storage returns the metadata store.
func (p *Project) Storage() *storage.GormStorage {
	return p.storage
}

// Objects returns the content store.
func (p *Project) Objects() *objectstore.FileStore {
	return p.objects
}

// Close releases the database connections. The object store holds no open
// handles.
func (p *Project) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
