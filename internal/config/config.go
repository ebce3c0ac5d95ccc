package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/avandras/cellar/internal/dependencyinjection"
)

// DynamicJsonType carries the type discriminator every configurable
// component embeds in its JSON configuration.
type DynamicJsonType struct {
	Type string `json:"type"`
}

// DynamicJsonInstantiator is implemented by component configurations
// parsed from JSON. RegisterReferences runs over the whole tree first,
// so named references resolve regardless of declaration order, then
// Instantiate builds the component graph.
type DynamicJsonInstantiator[T any] interface {
	RegisterReferences(diCollection dependencyinjection.DICollection) error
	Instantiate(diProvider dependencyinjection.DIProvider) (T, error)
}

// Db is the subset of a database handle the container needs for
// health checks and shutdown.
type Db interface {
	PingContext(ctx context.Context) error
	Close() error
}

// DbContainer collects every database handle opened while
// instantiating a storage configuration, so callers can close them on
// shutdown and health checks can reach them.
type DbContainer struct {
	dbs []Db
}

func NewDbContainer() *DbContainer {
	return &DbContainer{}
}

func (dbContainer *DbContainer) AddDb(db Db) {
	dbContainer.dbs = append(dbContainer.dbs, db)
}

func (dbContainer *DbContainer) Dbs() []Db {
	return dbContainer.dbs
}

// CreateTempDir creates a temporary directory and returns its path
// together with a cleanup function that removes it again.
func CreateTempDir() (*string, func(), error) {
	tempDir, err := os.MkdirTemp("", "cellar-test-data-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		err := os.RemoveAll(tempDir)
		if err != nil {
			slog.Error(fmt.Sprintf("Couldn't remove tempDir %s: %s", tempDir, err))
		}
	}
	return &tempDir, cleanup, nil
}
