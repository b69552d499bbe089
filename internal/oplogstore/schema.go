package oplogstore

// migration is one idempotent, ordered schema change. Migrations run inside
// a transaction that also records the schema_version row, so a crash
// mid-migration never leaves a partially-applied, unrecorded change.
type migration struct {
	version     int
	description string
	stmt        string
}

var migrations = []migration{
	{
		version:     1,
		description: "core tables: users, devices, oplog, peers",
		stmt: `
CREATE TABLE IF NOT EXISTS schema_version (
	version     INTEGER PRIMARY KEY,
	applied_at  INTEGER NOT NULL,
	description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	handle     TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL UNIQUE,
	verifier   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(user_id),
	type_tag   TEXT NOT NULL DEFAULT '',
	push_token TEXT,
	last_seen  INTEGER NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

CREATE TABLE IF NOT EXISTS oplog (
	op_id      TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL,
	hlc        INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	op_type    TEXT NOT NULL,
	payload    BLOB
);
CREATE INDEX IF NOT EXISTS idx_oplog_hlc ON oplog(hlc, op_id);
CREATE INDEX IF NOT EXISTS idx_oplog_device_hlc ON oplog(device_id, hlc);
CREATE INDEX IF NOT EXISTS idx_oplog_table_key ON oplog(table_name);

CREATE TABLE IF NOT EXISTS peers (
	peer_network_id TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	device_id       TEXT NOT NULL,
	last_address    TEXT,
	last_sync_hlc   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clock_state (
	device_id INTEGER PRIMARY KEY CHECK (device_id = 0),
	physical  INTEGER NOT NULL,
	logical   INTEGER NOT NULL
);
`,
	},
	{
		version:     2,
		description: "application row state + tombstone cache for the merge engine",
		stmt: `
CREATE TABLE IF NOT EXISTS row_state (
	table_name TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	hlc        INTEGER NOT NULL,
	device_id  TEXT NOT NULL,
	tombstone  INTEGER NOT NULL DEFAULT 0,
	payload    BLOB,
	PRIMARY KEY (table_name, row_key)
);
`,
	},
}
