package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteDB{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SQLiteDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orchestrator_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service_definition TEXT NOT NULL,
		consumer_system TEXT NOT NULL,
		provider_system_name TEXT NOT NULL,
		provider_address TEXT NOT NULL,
		provider_port INTEGER NOT NULL,
		provider_auth_info TEXT,
		provider_cloud_operator TEXT,
		provider_cloud_name TEXT,
		priority INTEGER NOT NULL,
		attributes TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_store_consumer
		ON orchestrator_store(consumer_system, service_definition);

	CREATE TABLE IF NOT EXISTS clouds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operator TEXT NOT NULL,
		name TEXT NOT NULL,
		secure INTEGER NOT NULL DEFAULT 0,
		neighbor INTEGER NOT NULL DEFAULT 0,
		own_cloud INTEGER NOT NULL DEFAULT 0,
		authentication_info TEXT,
		UNIQUE(operator, name)
	);

	CREATE TABLE IF NOT EXISTS relays (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		secure INTEGER NOT NULL DEFAULT 0,
		exclusive INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		UNIQUE(address, port)
	);

	CREATE TABLE IF NOT EXISTS cloud_relays (
		cloud_id INTEGER NOT NULL REFERENCES clouds(id) ON DELETE CASCADE,
		relay_id INTEGER NOT NULL REFERENCES relays(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		PRIMARY KEY (cloud_id, relay_id, kind)
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Orchestrator store

func (s *SQLiteDB) CreateStoreEntry(entry *pkg.OrchestratorStoreEntry) error {
	attributes, err := marshalAttributes(entry.Attributes)
	if err != nil {
		return err
	}

	var cloudOperator, cloudName sql.NullString
	if entry.ProviderCloud != nil {
		cloudOperator = sql.NullString{String: entry.ProviderCloud.Operator, Valid: true}
		cloudName = sql.NullString{String: entry.ProviderCloud.Name, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO orchestrator_store (
			service_definition, consumer_system, provider_system_name,
			provider_address, provider_port, provider_auth_info,
			provider_cloud_operator, provider_cloud_name, priority, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ServiceDefinition, entry.ConsumerSystemName,
		entry.ProviderSystem.SystemName, entry.ProviderSystem.Address,
		entry.ProviderSystem.Port, entry.ProviderSystem.AuthenticationInfo,
		cloudOperator, cloudName, entry.Priority, attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to create store entry: %w", err)
	}

	entry.ID, _ = result.LastInsertId()
	now := time.Now()
	entry.CreatedAt = &now
	entry.UpdatedAt = &now
	return nil
}

func (s *SQLiteDB) GetStoreEntriesByConsumer(consumerName, serviceDefinition string) ([]pkg.OrchestratorStoreEntry, error) {
	query := `
		SELECT id, service_definition, consumer_system, provider_system_name,
		       provider_address, provider_port, provider_auth_info,
		       provider_cloud_operator, provider_cloud_name, priority, attributes
		FROM orchestrator_store
		WHERE consumer_system = ?`
	args := []interface{}{consumerName}

	if serviceDefinition != "" {
		query += " AND service_definition = ?"
		args = append(args, serviceDefinition)
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query store entries: %w", err)
	}
	defer rows.Close()

	return scanStoreEntries(rows)
}

func (s *SQLiteDB) ListStoreEntries() ([]pkg.OrchestratorStoreEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, service_definition, consumer_system, provider_system_name,
		       provider_address, provider_port, provider_auth_info,
		       provider_cloud_operator, provider_cloud_name, priority, attributes
		FROM orchestrator_store
		ORDER BY consumer_system, service_definition, priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list store entries: %w", err)
	}
	defer rows.Close()

	return scanStoreEntries(rows)
}

func (s *SQLiteDB) DeleteStoreEntry(id int64) error {
	result, err := s.db.Exec(`DELETE FROM orchestrator_store WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete store entry: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Orchestrator store entry not found")
	}
	return nil
}

// Clouds

func (s *SQLiteDB) CreateCloud(cloud *pkg.Cloud) error {
	result, err := s.db.Exec(`
		INSERT INTO clouds (operator, name, secure, neighbor, own_cloud, authentication_info)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cloud.Operator, cloud.Name, cloud.Secure, cloud.Neighbor, cloud.OwnCloud, cloud.AuthenticationInfo,
	)
	if err != nil {
		return fmt.Errorf("failed to create cloud: %w", err)
	}
	cloud.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetCloudByIdentity(operator, name string) (*pkg.Cloud, error) {
	row := s.db.QueryRow(`
		SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info
		FROM clouds
		WHERE LOWER(operator) = LOWER(?) AND LOWER(name) = LOWER(?)`,
		operator, name)

	cloud, err := scanCloud(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud: %w", err)
	}

	if err := s.loadCloudRelayIDs(cloud); err != nil {
		return nil, err
	}
	return cloud, nil
}

func (s *SQLiteDB) ListClouds() ([]pkg.Cloud, error) {
	return s.listClouds(`SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info FROM clouds ORDER BY id`)
}

func (s *SQLiteDB) ListNeighborClouds() ([]pkg.Cloud, error) {
	return s.listClouds(`SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info FROM clouds WHERE neighbor = 1 AND own_cloud = 0 ORDER BY id`)
}

func (s *SQLiteDB) listClouds(query string) ([]pkg.Cloud, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clouds: %w", err)
	}
	defer rows.Close()

	clouds := make([]pkg.Cloud, 0)
	for rows.Next() {
		cloud, err := scanCloud(rows)
		if err != nil {
			return nil, err
		}
		clouds = append(clouds, *cloud)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range clouds {
		if err := s.loadCloudRelayIDs(&clouds[i]); err != nil {
			return nil, err
		}
	}
	return clouds, nil
}

func (s *SQLiteDB) DeleteCloud(id int64) error {
	result, err := s.db.Exec(`DELETE FROM clouds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cloud: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Cloud not found")
	}
	return nil
}

func (s *SQLiteDB) loadCloudRelayIDs(cloud *pkg.Cloud) error {
	rows, err := s.db.Query(`SELECT relay_id, kind FROM cloud_relays WHERE cloud_id = ? ORDER BY relay_id`, cloud.ID)
	if err != nil {
		return fmt.Errorf("failed to load cloud relays: %w", err)
	}
	defer rows.Close()

	cloud.GatekeeperRelayIDs = nil
	cloud.GatewayRelayIDs = nil
	for rows.Next() {
		var relayID int64
		var kind string
		if err := rows.Scan(&relayID, &kind); err != nil {
			return err
		}
		switch pkg.RelayType(kind) {
		case pkg.RelayGatekeeper:
			cloud.GatekeeperRelayIDs = append(cloud.GatekeeperRelayIDs, relayID)
		case pkg.RelayGateway:
			cloud.GatewayRelayIDs = append(cloud.GatewayRelayIDs, relayID)
		}
	}
	return rows.Err()
}

// Relays

func (s *SQLiteDB) CreateRelay(relay *pkg.Relay) error {
	result, err := s.db.Exec(`
		INSERT INTO relays (address, port, secure, exclusive, type)
		VALUES (?, ?, ?, ?, ?)`,
		relay.Address, relay.Port, relay.Secure, relay.Exclusive, string(relay.Type),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	relay.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteDB) GetRelayByID(id int64) (*pkg.Relay, error) {
	row := s.db.QueryRow(`SELECT id, address, port, secure, exclusive, type FROM relays WHERE id = ?`, id)

	relay, err := scanRelay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay: %w", err)
	}
	return relay, nil
}

func (s *SQLiteDB) ListRelays() ([]pkg.Relay, error) {
	rows, err := s.db.Query(`SELECT id, address, port, secure, exclusive, type FROM relays ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}
	defer rows.Close()

	relays := make([]pkg.Relay, 0)
	for rows.Next() {
		relay, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		relays = append(relays, *relay)
	}
	return relays, rows.Err()
}

func (s *SQLiteDB) DeleteRelay(id int64) error {
	result, err := s.db.Exec(`DELETE FROM relays WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relay: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Relay not found")
	}
	return nil
}

func (s *SQLiteDB) AssignRelayToCloud(cloudID, relayID int64, kind pkg.RelayType) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO cloud_relays (cloud_id, relay_id, kind)
		VALUES (?, ?, ?)`,
		cloudID, relayID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to assign relay to cloud: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetRelaysForCloud(cloudID int64, kind pkg.RelayType) ([]pkg.Relay, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.address, r.port, r.secure, r.exclusive, r.type
		FROM relays r
		JOIN cloud_relays cr ON cr.relay_id = r.id
		WHERE cr.cloud_id = ? AND cr.kind = ?
		ORDER BY r.id`,
		cloudID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cloud relays: %w", err)
	}
	defer rows.Close()

	relays := make([]pkg.Relay, 0)
	for rows.Next() {
		relay, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		relays = append(relays, *relay)
	}
	return relays, rows.Err()
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Scan helpers shared with the PostgreSQL implementation.

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStoreEntries(rows *sql.Rows) ([]pkg.OrchestratorStoreEntry, error) {
	entries := make([]pkg.OrchestratorStoreEntry, 0)
	for rows.Next() {
		entry, err := scanStoreEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanStoreEntry(row rowScanner) (*pkg.OrchestratorStoreEntry, error) {
	var entry pkg.OrchestratorStoreEntry
	var authInfo, attributes sql.NullString
	var cloudOperator, cloudName sql.NullString

	err := row.Scan(
		&entry.ID, &entry.ServiceDefinition, &entry.ConsumerSystemName,
		&entry.ProviderSystem.SystemName, &entry.ProviderSystem.Address,
		&entry.ProviderSystem.Port, &authInfo,
		&cloudOperator, &cloudName, &entry.Priority, &attributes,
	)
	if err != nil {
		return nil, err
	}

	entry.ProviderSystem.AuthenticationInfo = authInfo.String
	if cloudOperator.Valid && cloudName.Valid {
		entry.ProviderCloud = &pkg.Cloud{
			Operator: cloudOperator.String,
			Name:     cloudName.String,
			Neighbor: true,
		}
	}
	if attributes.Valid && attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode store entry attributes: %w", err)
		}
	}
	return &entry, nil
}

func scanCloud(row rowScanner) (*pkg.Cloud, error) {
	var cloud pkg.Cloud
	var authInfo sql.NullString
	err := row.Scan(&cloud.ID, &cloud.Operator, &cloud.Name, &cloud.Secure,
		&cloud.Neighbor, &cloud.OwnCloud, &authInfo)
	if err != nil {
		return nil, err
	}
	cloud.AuthenticationInfo = authInfo.String
	return &cloud, nil
}

func scanRelay(row rowScanner) (*pkg.Relay, error) {
	var relay pkg.Relay
	var relayType string
	err := row.Scan(&relay.ID, &relay.Address, &relay.Port, &relay.Secure, &relay.Exclusive, &relayType)
	if err != nil {
		return nil, err
	}
	relay.Type = pkg.RelayType(relayType)
	return &relay, nil
}

func marshalAttributes(attributes map[string]string) (sql.NullString, error) {
	if len(attributes) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}
