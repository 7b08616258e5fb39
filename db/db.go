package db

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitDB initializes the PostgreSQL connection pool.
func InitDB(connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL database")
	return pool, nil
}

// CreateSchema sets up the tables for the diagnostic engine.
// In a production environment, use a proper migration tool (e.g., golang-migrate).
func CreateSchema(pool *pgxpool.Pool) error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS competency_nodes (
		id VARCHAR(100) PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS competency_edges (
		source_id VARCHAR(100) NOT NULL,
		target_id VARCHAR(100) NOT NULL,
		PRIMARY KEY (source_id, target_id),
		FOREIGN KEY (source_id) REFERENCES competency_nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (target_id) REFERENCES competency_nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS misconceptions (
		id VARCHAR(100) PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS probe_sets (
		id VARCHAR(100) PRIMARY KEY,
		title TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diagnostic_probes (
		id VARCHAR(100) PRIMARY KEY,
		probe_set_id VARCHAR(100) NOT NULL,
		competency_id VARCHAR(100) NOT NULL,
		probe_type VARCHAR(50) NOT NULL CHECK (probe_type IN ('multiple-choice', 'cbm', 'ranking', 'spotting')),
		stem TEXT NOT NULL,
		FOREIGN KEY (probe_set_id) REFERENCES probe_sets(id) ON DELETE CASCADE,
		FOREIGN KEY (competency_id) REFERENCES competency_nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS probe_options (
		probe_id VARCHAR(100) NOT NULL,
		id VARCHAR(100) NOT NULL,
		content TEXT NOT NULL,
		is_correct BOOLEAN NOT NULL DEFAULT FALSE,
		is_gap BOOLEAN NOT NULL DEFAULT FALSE,
		feedback TEXT,
		diagnoses_misconception_id VARCHAR(100),
		option_order INT NOT NULL DEFAULT 0,
		PRIMARY KEY (probe_id, id),
		FOREIGN KEY (probe_id) REFERENCES diagnostic_probes(id) ON DELETE CASCADE,
		FOREIGN KEY (diagnoses_misconception_id) REFERENCES misconceptions(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS exam_attempts (
		id VARCHAR(64) PRIMARY KEY,
		probe_set_id VARCHAR(100) NOT NULL,
		email VARCHAR(255) NOT NULL,
		learner_id VARCHAR(100) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'IN_PROGRESS' CHECK (status IN ('IN_PROGRESS', 'COMPLETED')),
		started_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP WITH TIME ZONE,
		current_state JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		results_cache JSONB,
		FOREIGN KEY (probe_set_id) REFERENCES probe_sets(id) ON DELETE CASCADE
	);

	-- Append-only forensic log. Rows are never updated or deleted; within
	-- an attempt, insertion order (id) is the event order.
	CREATE TABLE IF NOT EXISTS telemetry_events (
		id BIGSERIAL PRIMARY KEY,
		attempt_id VARCHAR(64) NOT NULL,
		event_type VARCHAR(50) NOT NULL CHECK (event_type IN ('ANSWER_UPDATE', 'HESITATION', 'NAVIGATION')),
		payload JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (attempt_id) REFERENCES exam_attempts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_events_attempt ON telemetry_events(attempt_id, id);

	CREATE TABLE IF NOT EXISTS student_progress (
		student_id VARCHAR(255) NOT NULL,
		competency_id VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('mastered', 'completed', 'misconception', 'infected', 'locked')),
		misconception_id VARCHAR(100),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (student_id, competency_id),
		FOREIGN KEY (competency_id) REFERENCES competency_nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (misconception_id) REFERENCES misconceptions(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS item_calibration (
		probe_id VARCHAR(100) PRIMARY KEY,
		slip FLOAT NOT NULL DEFAULT 0,
		guess FLOAT NOT NULL DEFAULT 0,
		attempt_count INT NOT NULL DEFAULT 0,
		correct_count INT NOT NULL DEFAULT 0,
		flagged BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (probe_id) REFERENCES diagnostic_probes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS error_logs (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		source TEXT NOT NULL,
		attempt_id VARCHAR(64),
		field_name TEXT,
		error_message TEXT NOT NULL,
		suggested_fix TEXT
	);

	CREATE TABLE IF NOT EXISTS admin_events (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		action VARCHAR(255),
		actor VARCHAR(255),
		target TEXT,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR(255) PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
		updated_by VARCHAR(255)
	);
	`
	_, err := pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("error executing schema SQL: %w", err)
	}

	defaultSettings := map[string]string{
		"rate_limit_sync_per_minute":     "120",
		"rate_limit_finalize_per_minute": "5",
		"calibration_min_observations":   "10",
	}

	for key, value := range defaultSettings {
		_, err := pool.Exec(context.Background(), `
			INSERT INTO settings (key, value, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING;
		`, key, value, fmt.Sprintf("Default setting for %s", key))
		if err != nil {
			log.Printf("Warning: Failed to insert default setting %s: %v", key, err)
		}
	}

	return nil
}

// LogError adds an entry to the error_logs table.
func LogError(pool *pgxpool.Pool, source, attemptID, fieldName, errMsg, fixSug string) {
	_, err := pool.Exec(context.Background(), `
		INSERT INTO error_logs (source, attempt_id, field_name, error_message, suggested_fix)
		VALUES ($1, $2, $3, $4, $5)
	`, source, attemptID, fieldName, errMsg, fixSug)
	if err != nil {
		log.Printf("ERROR: Failed to log error to database: %v. Original error: %s", err, errMsg)
	}
}

// LogAdminEvent adds an entry to the admin_events table.
func LogAdminEvent(pool *pgxpool.Pool, actor, action, target, notes string) {
	_, err := pool.Exec(context.Background(), `
		INSERT INTO admin_events (action, actor, target, notes)
		VALUES ($1, $2, $3, $4)
	`, action, actor, target, notes)
	if err != nil {
		log.Printf("ERROR: Failed to log admin event to database: %v. Event: %s by %s on %s", err, action, actor, target)
	}
}

// GetSetting fetches a setting value from the settings table.
func GetSetting(pool *pgxpool.Pool, key string) (string, error) {
	var value string
	err := pool.QueryRow(context.Background(), "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("setting %s not found: %w", key, err)
	}
	return value, nil
}

// GetSettingInt fetches an integer setting, falling back to def on missing
// or malformed values.
func GetSettingInt(pool *pgxpool.Pool, key string, def int) int {
	raw, err := GetSetting(pool, key)
	if err != nil {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: setting %s has non-integer value %q, using default %d", key, raw, def)
		return def
	}
	return v
}
