package database

import (
	"fmt"
	"sort"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// Database persists the Orchestrator Store, the known clouds and the
// relay endpoints. The live service registry is NOT stored here; it is
// an external collaborator queried over HTTP.
type Database interface {
	// Orchestrator store
	CreateStoreEntry(entry *pkg.OrchestratorStoreEntry) error
	GetStoreEntriesByConsumer(consumerName, serviceDefinition string) ([]pkg.OrchestratorStoreEntry, error)
	ListStoreEntries() ([]pkg.OrchestratorStoreEntry, error)
	DeleteStoreEntry(id int64) error

	// Clouds
	CreateCloud(cloud *pkg.Cloud) error
	GetCloudByIdentity(operator, name string) (*pkg.Cloud, error)
	ListClouds() ([]pkg.Cloud, error)
	ListNeighborClouds() ([]pkg.Cloud, error)
	DeleteCloud(id int64) error

	// Relays
	CreateRelay(relay *pkg.Relay) error
	GetRelayByID(id int64) (*pkg.Relay, error)
	ListRelays() ([]pkg.Relay, error)
	DeleteRelay(id int64) error
	AssignRelayToCloud(cloudID, relayID int64, kind pkg.RelayType) error
	GetRelaysForCloud(cloudID int64, kind pkg.RelayType) ([]pkg.Relay, error)

	Close() error
}

// NewStorage creates database storage based on configuration.
func NewStorage(dbType string, connection string) (Database, error) {
	switch dbType {
	case "postgres", "postgresql":
		return NewPostgreSQL(connection)
	case "sqlite", "sqlite3":
		return NewSQLiteDB(connection)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: postgres, sqlite)", dbType)
	}
}

// NormalizePriorities re-numbers a (consumer, service) store group so
// priorities are unique and contiguous from 1, tolerating the gaps and
// duplicates a hand-edited store can accumulate. Ordering input: priority
// ascending, then id ascending for duplicates.
func NormalizePriorities(entries []pkg.OrchestratorStoreEntry) []pkg.OrchestratorStoreEntry {
	normalized := append([]pkg.OrchestratorStoreEntry(nil), entries...)
	sort.SliceStable(normalized, func(i, j int) bool {
		if normalized[i].Priority != normalized[j].Priority {
			return normalized[i].Priority < normalized[j].Priority
		}
		return normalized[i].ID < normalized[j].ID
	})
	for i := range normalized {
		normalized[i].Priority = i + 1
	}
	return normalized
}
