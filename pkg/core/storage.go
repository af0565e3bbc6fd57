package core

import (
	"context"
	"time"
)

// Predicate is an opaque filter expression applied to list and count
// queries. Implementations produce a SQL condition with placeholders.
type Predicate interface {
	Clause() (string, []any)
}

// Page selects one page of a listing. A zero value means defaults (first
// page, the storage layer's default size).
type Page struct {
	Number int
	Size   int
}

// ProcessingUpdate describes one atomic processing transition. Only non-nil
// optional fields are written; Step and State always are. RunnerID must match
// the record's current lease holder, or be empty to assert the record is
// unclaimed.
type ProcessingUpdate struct {
	CalcJobPK uint
	RunnerID  string
	FromStep  Step
	ToStep    Step

	JobID          *string
	ScriptKey      *string
	RemoteState    *RemoteState
	Exception      *string
	RetrievedPaths map[string]*string
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Clients  int64
	Codes    int64
	CalcJobs int64
	ByState  map[State]int64
	ByStep   map[Step]int64
}

// Storage defines the persistence layer for clients, codes, calcjobs and
// their processing records.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Entity creation (insert-only after import)
	CreateClient(ctx context.Context, client *Client) error
	CreateCode(ctx context.Context, code *Code) error
	CreateCalcJob(ctx context.Context, calc *CalcJob) error

	// Lookups
	GetClient(ctx context.Context, pk uint) (*Client, error)
	GetClientByLabel(ctx context.Context, label string) (*Client, error)
	GetCode(ctx context.Context, pk uint) (*Code, error)
	GetCodeByLabel(ctx context.Context, clientPK uint, label string) (*Code, error)
	GetCalcJob(ctx context.Context, pk uint) (*CalcJob, error)
	GetProcessing(ctx context.Context, calcjobPK uint) (*Processing, error)

	// Listings, in stable primary-key order
	ListClients(ctx context.Context, filter Predicate, page Page) ([]*Client, error)
	ListCodes(ctx context.Context, filter Predicate, page Page) ([]*Code, error)
	ListCalcJobs(ctx context.Context, filter Predicate, page Page) ([]*CalcJob, error)
	CountClients(ctx context.Context, filter Predicate) (int64, error)
	CountCodes(ctx context.Context, filter Predicate) (int64, error)
	CountCalcJobs(ctx context.Context, filter Predicate) (int64, error)

	// Processing transitions
	UpdateProcessing(ctx context.Context, up ProcessingUpdate) error

	// Leases
	Claim(ctx context.Context, calcjobPK uint, runnerID string, ttl time.Duration) error
	RenewLease(ctx context.Context, calcjobPK uint, runnerID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, calcjobPK uint, runnerID string) error
	ReleaseStaleLeases(ctx context.Context, olderThan time.Duration) (int64, error)

	// Selection
	ClaimablePKs(ctx context.Context, limit int) ([]uint, error)

	// Reporting
	Stats(ctx context.Context) (*Stats, error)

	// Transaction runs fn against a transactional view of the store,
	// committing if fn returns nil and rolling back otherwise.
	Transaction(ctx context.Context, fn func(tx Storage) error) error
}
