package storage

// Timestamps are stored as INTEGER unix milliseconds (UTC).

const versionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

// migrations are applied in order and are additive only: a released
// migration is never edited, and columns are never dropped.
var migrations = []string{
	// 1: urls, visits and enrichment metadata
	`
CREATE TABLE IF NOT EXISTS urls (
    id TEXT PRIMARY KEY,
    raw_url TEXT NOT NULL,
    normalized_url TEXT NOT NULL UNIQUE,
    domain TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL,
    total_visit_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_urls_domain ON urls(domain);
CREATE INDEX IF NOT EXISTS idx_urls_last_seen ON urls(last_seen);

-- One row per (url, device, time bucket); duplicates bump visit_count
CREATE TABLE IF NOT EXISTS visits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url_id TEXT NOT NULL REFERENCES urls(id),
    source_device_id TEXT NOT NULL,
    bucket INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    visit_count INTEGER NOT NULL DEFAULT 1,
    UNIQUE(url_id, source_device_id, bucket)
);

CREATE INDEX IF NOT EXISTS idx_visits_timestamp ON visits(timestamp);
CREATE INDEX IF NOT EXISTS idx_visits_url ON visits(url_id, timestamp);

-- Metadata doubles as the enrichment queue:
-- pending -> in_progress -> done | pending (retry) | failed
CREATE TABLE IF NOT EXISTS metadata (
    url_id TEXT PRIMARY KEY REFERENCES urls(id),
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    keywords TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'in_progress', 'done', 'failed')),
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_error_kind TEXT NOT NULL DEFAULT '',
    embedding_id TEXT,
    available_at INTEGER NOT NULL DEFAULT 0,
    lease_token TEXT,
    lease_expires_at INTEGER,
    claimed_at INTEGER,
    enriched_at INTEGER,
    updated_at INTEGER NOT NULL DEFAULT 0,
    CHECK (status <> 'done' OR embedding_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_metadata_claim ON metadata(status, available_at);
CREATE INDEX IF NOT EXISTS idx_metadata_lease ON metadata(status, lease_expires_at);
`,
	// 2: exact keyword lookup for tag filters
	`
CREATE TABLE IF NOT EXISTS url_keywords (
    url_id TEXT NOT NULL REFERENCES urls(id),
    keyword TEXT NOT NULL,
    PRIMARY KEY (url_id, keyword)
);

CREATE INDEX IF NOT EXISTS idx_url_keywords_keyword ON url_keywords(keyword);
`,
	// 3: import ledger
	`
CREATE TABLE IF NOT EXISTS imports (
    id TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    source_device_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    dialect TEXT NOT NULL,
    visits_read INTEGER NOT NULL DEFAULT 0,
    urls_touched INTEGER NOT NULL DEFAULT 0,
    warnings INTEGER NOT NULL DEFAULT 0,
    imported_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_imports_fingerprint ON imports(fingerprint, source_device_id);
`,
	// 4: queue summary view for external inspection
	`
CREATE VIEW IF NOT EXISTS queue_status AS
SELECT
    status,
    COUNT(*) AS count,
    MIN(available_at) AS oldest_available_at,
    MAX(retry_count) AS max_retry_count
FROM metadata
GROUP BY status;
`,
}
