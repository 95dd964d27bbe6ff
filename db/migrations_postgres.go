package db

// PostgreSQL-specific migrations

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_capture_kv_table",
		Up: `
			CREATE TABLE IF NOT EXISTS capture_kv (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				updated_at TIMESTAMPTZ DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS capture_kv;
		`,
	},
	{
		Version: 2,
		Name:    "add_capture_kv_updated_at_index",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_capture_kv_updated_at ON capture_kv(updated_at);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_capture_kv_updated_at;
		`,
	},
}
