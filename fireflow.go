// Package fireflow drives remote computational jobs to completion: scripts
// are rendered and uploaded to an HTTP compute gateway, submitted to its
// scheduler, polled, and their outputs downloaded into a content-addressed
// object store, with every transition persisted so a crashed run resumes
// where it stopped.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open (or initialize) a project directory
//	proj, _ := fireflow.InitProject(ctx, ".fireflow_project")
//	defer proj.Close()
//
//	// Import a bundle of objects, clients, codes and calcjobs
//	fireflow.ImportFile(ctx, proj.Storage(), proj.Objects(), "bundle.yml")
//
//	// Drive every playing calcjob to a terminal step
//	hub := fireflow.NewHub(fireflow.DefaultGatewayConfig())
//	eng := fireflow.NewEngine(proj.Storage(), proj.Objects(), hub)
//	r := fireflow.NewRunner(proj.Storage(), eng, fireflow.Concurrency(4))
//	r.Run(ctx)
package fireflow

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/engine"
	"github.com/chrisjsewell/fireflow/pkg/gateway"
	"github.com/chrisjsewell/fireflow/pkg/importer"
	"github.com/chrisjsewell/fireflow/pkg/objectstore"
	"github.com/chrisjsewell/fireflow/pkg/project"
	"github.com/chrisjsewell/fireflow/pkg/query"
	"github.com/chrisjsewell/fireflow/pkg/runner"
	"github.com/chrisjsewell/fireflow/pkg/security"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

// Type aliases for the domain surface
type (
	// Client is a remote compute endpoint plus credentials.
	Client = core.Client

	// Code is a reusable executable definition bound to one client.
	Code = core.Code

	// CalcJob is one unit of remote work bound to one code.
	CalcJob = core.CalcJob

	// Processing is the mutable execution record of a calcjob.
	Processing = core.Processing

	// Step is a calcjob's position in the execution pipeline.
	Step = core.Step

	// State folds steps into playing, finished or excepted.
	State = core.State

	// RemoteState is the scheduler-reported status of a remote job.
	RemoteState = core.RemoteState

	// Storage defines the persistence layer for entities and processing.
	Storage = core.Storage

	// ObjectStore is the content-addressed blob store contract.
	ObjectStore = core.ObjectStore

	// RemoteHub hands out one remote session per client.
	RemoteHub = core.RemoteHub

	// RemoteClient is the per-client session contract against the remote API.
	RemoteClient = core.RemoteClient

	// Predicate is an opaque filter applied to list and count queries.
	Predicate = core.Predicate

	// Page selects one page of a listing.
	Page = core.Page

	// Stats summarizes the store for status reporting.
	Stats = core.Stats

	// Event is the interface for all runner events.
	Event = core.Event

	// StepCompleted is emitted after a step persists its transition.
	StepCompleted = core.StepCompleted

	// StepRetrying is emitted before a transient step failure is retried.
	StepRetrying = core.StepRetrying

	// CalcJobFinished is emitted when a calcjob reaches the finished step.
	CalcJobFinished = core.CalcJobFinished

	// CalcJobExcepted is emitted when a calcjob excepts.
	CalcJobExcepted = core.CalcJobExcepted

	// TransferError reports a failed upload or download.
	TransferError = core.TransferError

	// SubmissionError reports a failed scheduler submission.
	SubmissionError = core.SubmissionError

	// PollError reports a failed status poll.
	PollError = core.PollError

	// ParseError reports outputs that failed classification.
	ParseError = core.ParseError

	// CredentialError reports authentication that cannot succeed unaided.
	CredentialError = core.CredentialError

	// TransientError marks an error as retryable in place.
	TransientError = core.TransientError

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// FileStore is the on-disk content-addressed object store.
	FileStore = objectstore.FileStore

	// MemoryStore is the in-memory object store for tests and examples.
	MemoryStore = objectstore.MemoryStore

	// Engine executes single calcjob steps.
	Engine = engine.Engine

	// EngineOption configures an Engine.
	EngineOption = engine.Option

	// Classifier decides whether downloaded outputs finish a calcjob.
	Classifier = engine.Classifier

	// PollConfig shapes the polling backoff.
	PollConfig = engine.PollConfig

	// Runner claims playing calcjobs and drives them concurrently.
	Runner = runner.Runner

	// RunnerOption configures a Runner.
	RunnerOption = runner.Option

	// RunnerConfig holds runner configuration.
	RunnerConfig = runner.Config

	// RetryConfig shapes per-step retry backoff.
	RetryConfig = runner.RetryConfig

	// Hub caches one gateway session per client.
	Hub = gateway.Hub

	// GatewayConfig holds gateway transport configuration.
	GatewayConfig = gateway.Config

	// Project is an on-disk pairing of object store and database.
	Project = project.Project

	// Bundle is a parsed YAML declaration of entities to import.
	Bundle = importer.Bundle

	// ImportResult reports what an import created.
	ImportResult = importer.Result

	// Filter is a compiled listing filter.
	Filter = query.Filter

	// Columns whitelists the names a filter string may reference.
	Columns = query.Columns
)

// Pipeline steps
const (
	StepCreated     = core.StepCreated
	StepUploading   = core.StepUploading
	StepSubmitting  = core.StepSubmitting
	StepSubmitted   = core.StepSubmitted
	StepPolling     = core.StepPolling
	StepDownloading = core.StepDownloading
	StepParsing     = core.StepParsing
	StepFinished    = core.StepFinished
	StepExcepted    = core.StepExcepted
)

// States
const (
	StatePlaying  = core.StatePlaying
	StateFinished = core.StateFinished
	StateExcepted = core.StateExcepted
)

// Remote scheduler states
const (
	RemoteStateRunning   = core.RemoteStateRunning
	RemoteStateCompleted = core.RemoteStateCompleted
	RemoteStateFailed    = core.RemoteStateFailed
	RemoteStateCancelled = core.RemoteStateCancelled
)

// Security limits
const (
	MaxLabelLength     = security.MaxLabelLength
	MaxExceptionLength = security.MaxExceptionLength
	MaxStepRetries     = security.MaxStepRetries
	MaxConcurrency     = security.MaxConcurrency
	DefaultPageSize    = security.DefaultPageSize
	MaxPageSize        = security.MaxPageSize
)

// Error variables
var (
	ErrNotFound          = core.ErrNotFound
	ErrAlreadyClaimed    = core.ErrAlreadyClaimed
	ErrNotOwner          = core.ErrNotOwner
	ErrStepOrder         = core.ErrStepOrder
	ErrTerminal          = core.ErrTerminal
	ErrExtensionConflict = core.ErrExtensionConflict
	ErrInvalidLabel      = core.ErrInvalidLabel
	ErrLabelTooLong      = core.ErrLabelTooLong
	ErrDuplicateLabel    = core.ErrDuplicateLabel
)

// Filterable column sets for the list operations
var (
	ClientColumns  = storage.ClientColumns
	CodeColumns    = storage.CodeColumns
	CalcJobColumns = storage.CalcJobColumns
)

// NewGormStorage creates a GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewFileStore opens (creating if needed) an on-disk object store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	return objectstore.NewFileStore(dir)
}

// NewMemoryStore creates an in-memory object store.
func NewMemoryStore() *MemoryStore {
	return objectstore.NewMemoryStore()
}

// NewEngine creates a step engine over the given store, object store and hub.
func NewEngine(store Storage, objects ObjectStore, hub RemoteHub, opts ...EngineOption) *Engine {
	return engine.New(store, objects, hub, opts...)
}

// NewRunner creates a runner over the given store and engine.
func NewRunner(store Storage, eng *Engine, opts ...RunnerOption) *Runner {
	return runner.New(store, eng, opts...)
}

// NewHub creates a gateway hub that caches one session per client.
func NewHub(cfg GatewayConfig) *Hub {
	return gateway.NewHub(cfg)
}

// DefaultGatewayConfig returns the gateway transport defaults.
func DefaultGatewayConfig() GatewayConfig {
	return gateway.DefaultConfig()
}

// InitProject creates (or reopens) a project directory and migrates its
// database.
func InitProject(ctx context.Context, dir string) (*Project, error) {
	return project.Init(ctx, dir)
}

// OpenProject opens an existing project directory.
func OpenProject(dir string) (*Project, error) {
	return project.Open(dir)
}

// Import loads a YAML bundle into the store: objects first, then clients,
// codes and calcjobs inside one transaction.
func Import(ctx context.Context, store Storage, objects ObjectStore, data []byte) (*ImportResult, error) {
	return importer.Import(ctx, store, objects, data)
}

// ImportFile reads path and imports it as a bundle.
func ImportFile(ctx context.Context, store Storage, objects ObjectStore, path string) (*ImportResult, error) {
	return importer.ImportFile(ctx, store, objects, path)
}

// ParseFilter compiles a filter string against the allowed columns. An empty
// input returns a nil *Filter, meaning "no filter".
func ParseFilter(input string, cols Columns) (*Filter, error) {
	return query.Parse(input, cols)
}

// Transient marks err as retryable in place.
func Transient(err error) error {
	return core.Transient(err)
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	return core.IsTransient(err)
}

// ValidateLabel validates a client, code or calcjob label.
func ValidateLabel(label string) error {
	return security.ValidateLabel(label)
}

// SanitizeException truncates and sanitizes exception messages for storage.
func SanitizeException(msg string) string {
	return security.SanitizeException(msg)
}

// Engine option functions

// WithClassifier replaces the default output classifier.
func WithClassifier(c Classifier) EngineOption {
	return engine.WithClassifier(c)
}

// WithPollConfig replaces the polling backoff configuration.
func WithPollConfig(cfg PollConfig) EngineOption {
	return engine.WithPollConfig(cfg)
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return engine.WithLogger(l)
}

// Runner option functions

// Concurrency bounds how many calcjobs are driven at once.
func Concurrency(n int) RunnerOption {
	return runner.Concurrency(n)
}

// Limit caps how many calcjobs a drain run will claim (0 = no cap).
func Limit(n int) RunnerOption {
	return runner.Limit(n)
}

// ID fixes the runner identity used for leases.
func ID(id string) RunnerOption {
	return runner.ID(id)
}

// LeaseTTL sets how long a claim lasts between heartbeats.
func LeaseTTL(ttl time.Duration) RunnerOption {
	return runner.LeaseTTL(ttl)
}

// HeartbeatEvery sets the lease renewal cadence.
func HeartbeatEvery(every time.Duration) RunnerOption {
	return runner.HeartbeatEvery(every)
}

// PollInterval sets how often an idle runner looks for claimable work.
func PollInterval(every time.Duration) RunnerOption {
	return runner.PollInterval(every)
}

// StepRetry replaces the per-step retry configuration.
func StepRetry(cfg RetryConfig) RunnerOption {
	return runner.StepRetry(cfg)
}

// ReapSpec sets the cron cadence for releasing stale leases in serve mode.
func ReapSpec(spec string) RunnerOption {
	return runner.ReapSpec(spec)
}

// Logger sets the runner's logger.
func Logger(l *slog.Logger) RunnerOption {
	return runner.Logger(l)
}

// DefaultRetryConfig returns the per-step retry defaults.
func DefaultRetryConfig() RetryConfig {
	return runner.DefaultRetryConfig()
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return runner.DefaultConfig()
}

// StateForStep folds a step into its state.
func StateForStep(s Step) State {
	return core.StateForStep(s)
}
