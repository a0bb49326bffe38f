package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/broconnector/internal/logging"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Monitoring wells, tubes and events",
		SQL: `
CREATE TABLE IF NOT EXISTS wells (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bro_id TEXT UNIQUE,
    internal_id TEXT NOT NULL,
    object_id TEXT,
    well_code TEXT,
    nitg_code TEXT,
    owner TEXT NOT NULL,
    delivery_accountable_party TEXT,
    construction_standard TEXT,
    initial_function TEXT,
    quality_regime TEXT NOT NULL,
    x REAL,
    y REAL,
    lat REAL,
    lon REAL,
    horizontal_positioning_method TEXT,
    local_vertical_reference_point TEXT,
    vertical_offset REAL,
    vertical_datum TEXT,
    deliver_to_registry BOOLEAN NOT NULL DEFAULT FALSE,
    complete_for_registry BOOLEAN NOT NULL DEFAULT FALSE,
    in_management BOOLEAN NOT NULL DEFAULT TRUE,
    construction_date DATETIME,
    removal_date DATETIME,
    registration_time DATETIME,
    deregistered BOOLEAN NOT NULL DEFAULT FALSE,
    correction_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_wells_object_id ON wells(owner, object_id);
CREATE INDEX IF NOT EXISTS idx_wells_codes ON wells(well_code, nitg_code);

CREATE TABLE IF NOT EXISTS well_dynamics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    well_id INTEGER NOT NULL REFERENCES wells(id) ON DELETE CASCADE,
    valid_from DATETIME NOT NULL,
    ground_level_position REAL,
    ground_level_positioning_method TEXT,
    well_head_protector TEXT,
    well_stability TEXT,
    owner TEXT,
    maintainer TEXT,
    comment TEXT
);

CREATE INDEX IF NOT EXISTS idx_well_dynamics_well ON well_dynamics(well_id, valid_from);

CREATE TABLE IF NOT EXISTS tubes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    well_id INTEGER NOT NULL REFERENCES wells(id) ON DELETE CASCADE,
    tube_number INTEGER NOT NULL,
    tube_type TEXT,
    artesian_well_cap_present TEXT,
    sediment_sump_present TEXT,
    sediment_sump_length REAL,
    screen_length REAL,
    tube_material TEXT,
    number_of_geo_ohm_cables INTEGER NOT NULL DEFAULT 0,
    UNIQUE(well_id, tube_number)
);

CREATE TABLE IF NOT EXISTS tube_dynamics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tube_id INTEGER NOT NULL REFERENCES tubes(id) ON DELETE CASCADE,
    valid_from DATETIME NOT NULL,
    tube_top_position REAL,
    tube_top_positioning_method TEXT,
    plain_tube_part_length REAL,
    tube_top_diameter REAL,
    variable_diameter TEXT,
    tube_status TEXT,
    tube_packing_material TEXT,
    glue TEXT,
    inserted_part_length REAL,
    inserted_part_diameter REAL,
    inserted_part_material TEXT,
    sensor_depth REAL
);

CREATE INDEX IF NOT EXISTS idx_tube_dynamics_tube ON tube_dynamics(tube_id, valid_from);

CREATE TABLE IF NOT EXISTS geo_ohm_cables (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tube_id INTEGER NOT NULL REFERENCES tubes(id) ON DELETE CASCADE,
    cable_number INTEGER NOT NULL,
    UNIQUE(tube_id, cable_number)
);

CREATE TABLE IF NOT EXISTS electrodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cable_id INTEGER NOT NULL REFERENCES geo_ohm_cables(id) ON DELETE CASCADE,
    electrode_number INTEGER NOT NULL,
    status TEXT,
    packing_material TEXT,
    position REAL,
    UNIQUE(cable_id, electrode_number)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    well_id INTEGER NOT NULL REFERENCES wells(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    event_date DATETIME NOT NULL,
    well_dynamic_id INTEGER REFERENCES well_dynamics(id),
    delivered_to_registry BOOLEAN NOT NULL DEFAULT FALSE,
    correction_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_well ON events(well_id, event_date);

CREATE TABLE IF NOT EXISTS event_tube_dynamics (
    event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    tube_dynamic_id INTEGER NOT NULL REFERENCES tube_dynamics(id) ON DELETE CASCADE,
    PRIMARY KEY (event_id, tube_dynamic_id)
);

CREATE TABLE IF NOT EXISTS event_electrodes (
    event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    electrode_id INTEGER NOT NULL REFERENCES electrodes(id) ON DELETE CASCADE,
    PRIMARY KEY (event_id, electrode_id)
);
`,
	},
	{
		Version:     2,
		Description: "Groundwater level dossiers and measurements",
		SQL: `
CREATE TABLE IF NOT EXISTS glds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tube_id INTEGER NOT NULL REFERENCES tubes(id) ON DELETE CASCADE,
    quality_regime TEXT NOT NULL,
    bro_id TEXT UNIQUE,
    research_start_date DATETIME,
    research_last_date DATETIME,
    correction_reason TEXT,
    UNIQUE(tube_id, quality_regime)
);

CREATE TABLE IF NOT EXISTS observation_metadata (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    observation_type TEXT NOT NULL,
    status TEXT,
    responsible_party TEXT
);

CREATE TABLE IF NOT EXISTS observation_processes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    process_reference TEXT NOT NULL,
    measurement_instrument_type TEXT NOT NULL,
    air_pressure_compensation_type TEXT,
    process_type TEXT NOT NULL DEFAULT 'algoritme',
    evaluation_procedure TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    gld_id INTEGER NOT NULL REFERENCES glds(id) ON DELETE CASCADE,
    metadata_id INTEGER NOT NULL REFERENCES observation_metadata(id),
    process_id INTEGER NOT NULL REFERENCES observation_processes(id),
    start_time DATETIME NOT NULL,
    end_time DATETIME,
    result_time DATETIME,
    up_to_date_in_registry BOOLEAN NOT NULL DEFAULT FALSE,
    observation_id_registry TEXT,
    correction_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_observations_key ON observations(gld_id, process_id, metadata_id, start_time);

CREATE TABLE IF NOT EXISTS measurement_point_metadata (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    status_quality_control TEXT NOT NULL DEFAULT 'onbekend',
    censor_reason TEXT,
    censoring_limit_value REAL,
    interpolation_code TEXT NOT NULL DEFAULT 'discontinu'
);

CREATE TABLE IF NOT EXISTS measurement_tvps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    observation_id INTEGER NOT NULL REFERENCES observations(id) ON DELETE CASCADE,
    measurement_time DATETIME NOT NULL,
    field_value REAL,
    field_value_unit TEXT NOT NULL DEFAULT 'm',
    calculated_value REAL,
    initial_calculated_value REAL,
    correction_reason TEXT,
    correction_time DATETIME,
    metadata_id INTEGER REFERENCES measurement_point_metadata(id),
    UNIQUE(observation_id, measurement_time)
);

CREATE TABLE IF NOT EXISTS frds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tube_id INTEGER NOT NULL REFERENCES tubes(id) ON DELETE CASCADE,
    bro_id TEXT UNIQUE,
    quality_regime TEXT NOT NULL,
    delivery_accountable_party TEXT,
    object_id_accountable_party TEXT,
    correction_reason TEXT,
    UNIQUE(tube_id, quality_regime)
);

CREATE TABLE IF NOT EXISTS gmns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bro_id TEXT NOT NULL UNIQUE,
    name TEXT,
    delivery_context TEXT,
    monitoring_purpose TEXT,
    groundwater_aspect TEXT,
    start_date DATETIME
);

CREATE TABLE IF NOT EXISTS gmn_measuring_points (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    gmn_id INTEGER NOT NULL REFERENCES gmns(id) ON DELETE CASCADE,
    code TEXT NOT NULL,
    well_bro_id TEXT NOT NULL,
    tube_number INTEGER NOT NULL,
    start_date DATETIME,
    UNIQUE(gmn_id, code)
);
`,
	},
	{
		Version:     3,
		Description: "Registration and addition logs",
		SQL: `
CREATE TABLE IF NOT EXISTS registration_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    object TEXT NOT NULL,
    well_id INTEGER NOT NULL REFERENCES wells(id) ON DELETE CASCADE,
    tube_number INTEGER NOT NULL DEFAULT 0,
    quality_regime TEXT NOT NULL,
    event_id INTEGER NOT NULL DEFAULT 0,
    kind TEXT NOT NULL,
    request_reference TEXT,
    file TEXT,
    validation_status TEXT,
    delivery_status TEXT,
    delivery_id TEXT,
    process_status TEXT NOT NULL DEFAULT 'missing',
    delivery_type TEXT NOT NULL DEFAULT 'register',
    last_changed TEXT,
    comments TEXT NOT NULL DEFAULT '',
    bro_id TEXT,
    updated_at DATETIME,
    UNIQUE(object, well_id, tube_number, quality_regime, event_id, delivery_type)
);

CREATE INDEX IF NOT EXISTS idx_registration_logs_status ON registration_logs(process_status);

CREATE TABLE IF NOT EXISTS addition_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    observation_id INTEGER NOT NULL REFERENCES observations(id) ON DELETE CASCADE,
    addition_type TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'GLD_Addition',
    request_reference TEXT,
    file TEXT,
    validation_status TEXT,
    delivery_status TEXT,
    delivery_id TEXT,
    process_status TEXT NOT NULL DEFAULT 'missing',
    delivery_type TEXT NOT NULL DEFAULT 'register',
    last_changed TEXT,
    comments TEXT NOT NULL DEFAULT '',
    bro_id TEXT,
    updated_at DATETIME,
    UNIQUE(observation_id, addition_type, delivery_type)
);

CREATE INDEX IF NOT EXISTS idx_addition_logs_status ON addition_logs(process_status);
`,
	},
	{
		Version:     4,
		Description: "Run audit and archived registry documents",
		SQL: `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    owner TEXT,
    http_status INTEGER,
    records_seen INTEGER,
    records_stored INTEGER,
    errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS registry_documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER REFERENCES runs(id),
    fetched_at DATETIME NOT NULL,
    kind TEXT NOT NULL,
    bro_id TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL,
    UNIQUE(bro_id, payload_hash)
);

CREATE INDEX IF NOT EXISTS idx_registry_documents_bro_id ON registry_documents(bro_id, fetched_at);
`,
	},
	{
		Version:     5,
		Description: "Duplicate marks",
		SQL: `
CREATE TABLE IF NOT EXISTS duplicate_marks (
    group_key TEXT NOT NULL,
    bro_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    score REAL NOT NULL,
    canonical BOOLEAN NOT NULL DEFAULT FALSE,
    marked_at DATETIME NOT NULL,
    PRIMARY KEY (group_key, bro_id)
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		logging.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
