// Package history defines the core domain types shared by the importer,
// the store, the enrichment pipeline and the search engine.
package history

import "time"

// Status is the enrichment lifecycle state of a URL
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// RawVisit is a single visit row as read from a source history file
type RawVisit struct {
	URL        string    // URL exactly as recorded by the browser
	Title      string    // Page title at visit time (may be empty)
	Timestamp  time.Time // Visit time (UTC)
	VisitCount int       // Number of visits this row represents (>= 1)
}

// URL is a deduplicated, normalized URL
type URL struct {
	ID              string    `json:"id"`
	RawURL          string    `json:"raw_url"`
	NormalizedURL   string    `json:"normalized_url"`
	Domain          string    `json:"domain"`
	Title           string    `json:"title,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	TotalVisitCount int       `json:"total_visit_count"`
}

// Visit is a merged visit bucket for one URL and one source device
type Visit struct {
	ID             int64     `json:"id"`
	URLID          string    `json:"url_id"`
	SourceDeviceID string    `json:"source_device_id"`
	Timestamp      time.Time `json:"timestamp"`
	Bucket         time.Time `json:"bucket"`
	VisitCount     int       `json:"visit_count"`
}

// Metadata holds the enrichment state and results for one URL
type Metadata struct {
	URLID         string     `json:"url_id"`
	Title         string     `json:"title,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	Keywords      []string   `json:"keywords,omitempty"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorKind ErrorKind  `json:"last_error_kind,omitempty"`
	EmbeddingID   string     `json:"embedding_id,omitempty"`
	AvailableAt   time.Time  `json:"available_at"`
	EnrichedAt    *time.Time `json:"enriched_at,omitempty"`
}

// Payload is the filterable data stored next to an embedding vector
type Payload struct {
	URLID     string    `json:"url_id"`
	Domain    string    `json:"domain"`
	Timestamp time.Time `json:"timestamp"`
}

// EmbeddingRecord is a vector plus its payload
type EmbeddingRecord struct {
	EmbeddingID string    `json:"embedding_id"`
	Vector      []float32 `json:"vector"`
	Payload     Payload   `json:"payload"`
}

// Claim is a leased queue item. Token identifies the lease; only its holder
// may complete or fail the item.
type Claim struct {
	URLID   string
	Token   string
	Attempt int // retry_count at claim time
}

// Enrichment is the result a worker hands to the queue on success
type Enrichment struct {
	Title       string
	Summary     string
	Keywords    []string
	EmbeddingID string
}
