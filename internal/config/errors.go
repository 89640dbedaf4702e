package config

import "errors"

var (
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrInvalidGranularity is returned when the visit merge granularity is not positive
	ErrInvalidGranularity = errors.New("store.merge_granularity must be greater than 0")
	// ErrInvalidLease is returned when the lease timeout is not positive
	ErrInvalidLease = errors.New("queue.lease_timeout must be greater than 0")
	// ErrInvalidMaxRetries is returned when max retries is not positive
	ErrInvalidMaxRetries = errors.New("queue.max_retries must be greater than 0")
	// ErrInvalidBackoff is returned when the backoff base or ceiling is inconsistent
	ErrInvalidBackoff = errors.New("queue.backoff_base must be > 0 and <= queue.backoff_ceiling")
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("worker.concurrency must be greater than 0")
	// ErrInvalidTimeout is returned when a stage timeout is not greater than 0
	ErrInvalidTimeout = errors.New("worker stage timeouts must be greater than 0")
	// ErrInvalidDomainDelay is returned for a domain delay override without a domain or with a negative delay
	ErrInvalidDomainDelay = errors.New("worker.domain_delays entries need a domain and a non-negative delay")
	// ErrUnknownProvider is returned for an unsupported model provider
	ErrUnknownProvider = errors.New("models.provider must be one of local, openai, ollama")
	// ErrInvalidWeights is returned when search weights are negative or both zero
	ErrInvalidWeights = errors.New("search weights must be non-negative and not both zero")
)
