package database

import (
	"database/sql"
	"fmt"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	_ "github.com/lib/pq"
)

type PostgreSQL struct {
	db *sql.DB
}

func NewPostgreSQL(connectionString string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	p := &PostgreSQL{db: db}
	if err := p.createTables(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PostgreSQL) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orchestrator_store (
		id BIGSERIAL PRIMARY KEY,
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
		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_store_consumer
		ON orchestrator_store(consumer_system, service_definition);

	CREATE TABLE IF NOT EXISTS clouds (
		id BIGSERIAL PRIMARY KEY,
		operator TEXT NOT NULL,
		name TEXT NOT NULL,
		secure BOOLEAN NOT NULL DEFAULT FALSE,
		neighbor BOOLEAN NOT NULL DEFAULT FALSE,
		own_cloud BOOLEAN NOT NULL DEFAULT FALSE,
		authentication_info TEXT,
		UNIQUE(operator, name)
	);

	CREATE TABLE IF NOT EXISTS relays (
		id BIGSERIAL PRIMARY KEY,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		secure BOOLEAN NOT NULL DEFAULT FALSE,
		exclusive BOOLEAN NOT NULL DEFAULT FALSE,
		type TEXT NOT NULL,
		UNIQUE(address, port)
	);

	CREATE TABLE IF NOT EXISTS cloud_relays (
		cloud_id BIGINT NOT NULL REFERENCES clouds(id) ON DELETE CASCADE,
		relay_id BIGINT NOT NULL REFERENCES relays(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		PRIMARY KEY (cloud_id, relay_id, kind)
	);`

	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Orchestrator store

func (p *PostgreSQL) CreateStoreEntry(entry *pkg.OrchestratorStoreEntry) error {
	attributes, err := marshalAttributes(entry.Attributes)
	if err != nil {
		return err
	}

	var cloudOperator, cloudName sql.NullString
	if entry.ProviderCloud != nil {
		cloudOperator = sql.NullString{String: entry.ProviderCloud.Operator, Valid: true}
		cloudName = sql.NullString{String: entry.ProviderCloud.Name, Valid: true}
	}

	err = p.db.QueryRow(`
		INSERT INTO orchestrator_store (
			service_definition, consumer_system, provider_system_name,
			provider_address, provider_port, provider_auth_info,
			provider_cloud_operator, provider_cloud_name, priority, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.ServiceDefinition, entry.ConsumerSystemName,
		entry.ProviderSystem.SystemName, entry.ProviderSystem.Address,
		entry.ProviderSystem.Port, entry.ProviderSystem.AuthenticationInfo,
		cloudOperator, cloudName, entry.Priority, attributes,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to create store entry: %w", err)
	}

	now := time.Now()
	entry.CreatedAt = &now
	entry.UpdatedAt = &now
	return nil
}

func (p *PostgreSQL) GetStoreEntriesByConsumer(consumerName, serviceDefinition string) ([]pkg.OrchestratorStoreEntry, error) {
	query := `
		SELECT id, service_definition, consumer_system, provider_system_name,
		       provider_address, provider_port, provider_auth_info,
		       provider_cloud_operator, provider_cloud_name, priority, attributes
		FROM orchestrator_store
		WHERE consumer_system = $1`
	args := []interface{}{consumerName}

	if serviceDefinition != "" {
		query += " AND service_definition = $2"
		args = append(args, serviceDefinition)
	}
	query += " ORDER BY priority ASC, id ASC"

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query store entries: %w", err)
	}
	defer rows.Close()

	return scanStoreEntries(rows)
}

func (p *PostgreSQL) ListStoreEntries() ([]pkg.OrchestratorStoreEntry, error) {
	rows, err := p.db.Query(`
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

func (p *PostgreSQL) DeleteStoreEntry(id int64) error {
	result, err := p.db.Exec(`DELETE FROM orchestrator_store WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete store entry: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Orchestrator store entry not found")
	}
	return nil
}

// Clouds

func (p *PostgreSQL) CreateCloud(cloud *pkg.Cloud) error {
	err := p.db.QueryRow(`
		INSERT INTO clouds (operator, name, secure, neighbor, own_cloud, authentication_info)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		cloud.Operator, cloud.Name, cloud.Secure, cloud.Neighbor, cloud.OwnCloud, cloud.AuthenticationInfo,
	).Scan(&cloud.ID)
	if err != nil {
		return fmt.Errorf("failed to create cloud: %w", err)
	}
	return nil
}

func (p *PostgreSQL) GetCloudByIdentity(operator, name string) (*pkg.Cloud, error) {
	row := p.db.QueryRow(`
		SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info
		FROM clouds
		WHERE LOWER(operator) = LOWER($1) AND LOWER(name) = LOWER($2)`,
		operator, name)

	cloud, err := scanCloud(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud: %w", err)
	}

	if err := p.loadCloudRelayIDs(cloud); err != nil {
		return nil, err
	}
	return cloud, nil
}

func (p *PostgreSQL) ListClouds() ([]pkg.Cloud, error) {
	return p.listClouds(`SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info FROM clouds ORDER BY id`)
}

func (p *PostgreSQL) ListNeighborClouds() ([]pkg.Cloud, error) {
	return p.listClouds(`SELECT id, operator, name, secure, neighbor, own_cloud, authentication_info FROM clouds WHERE neighbor = TRUE AND own_cloud = FALSE ORDER BY id`)
}

func (p *PostgreSQL) listClouds(query string) ([]pkg.Cloud, error) {
	rows, err := p.db.Query(query)
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
		if err := p.loadCloudRelayIDs(&clouds[i]); err != nil {
			return nil, err
		}
	}
	return clouds, nil
}

func (p *PostgreSQL) DeleteCloud(id int64) error {
	result, err := p.db.Exec(`DELETE FROM clouds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cloud: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Cloud not found")
	}
	return nil
}

func (p *PostgreSQL) loadCloudRelayIDs(cloud *pkg.Cloud) error {
	rows, err := p.db.Query(`SELECT relay_id, kind FROM cloud_relays WHERE cloud_id = $1 ORDER BY relay_id`, cloud.ID)
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

func (p *PostgreSQL) CreateRelay(relay *pkg.Relay) error {
	err := p.db.QueryRow(`
		INSERT INTO relays (address, port, secure, exclusive, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		relay.Address, relay.Port, relay.Secure, relay.Exclusive, string(relay.Type),
	).Scan(&relay.ID)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	return nil
}

func (p *PostgreSQL) GetRelayByID(id int64) (*pkg.Relay, error) {
	row := p.db.QueryRow(`SELECT id, address, port, secure, exclusive, type FROM relays WHERE id = $1`, id)

	relay, err := scanRelay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay: %w", err)
	}
	return relay, nil
}

func (p *PostgreSQL) ListRelays() ([]pkg.Relay, error) {
	rows, err := p.db.Query(`SELECT id, address, port, secure, exclusive, type FROM relays ORDER BY id`)
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

func (p *PostgreSQL) DeleteRelay(id int64) error {
	result, err := p.db.Exec(`DELETE FROM relays WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete relay: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return pkg.NotFoundError("Relay not found")
	}
	return nil
}

func (p *PostgreSQL) AssignRelayToCloud(cloudID, relayID int64, kind pkg.RelayType) error {
	_, err := p.db.Exec(`
		INSERT INTO cloud_relays (cloud_id, relay_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		cloudID, relayID, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to assign relay to cloud: %w", err)
	}
	return nil
}

func (p *PostgreSQL) GetRelaysForCloud(cloudID int64, kind pkg.RelayType) ([]pkg.Relay, error) {
	rows, err := p.db.Query(`
		SELECT r.id, r.address, r.port, r.secure, r.exclusive, r.type
		FROM relays r
		JOIN cloud_relays cr ON cr.relay_id = r.id
		WHERE cr.cloud_id = $1 AND cr.kind = $2
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

func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
