package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/security"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying GORM handle, for pool configuration and
// shutdown.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Client{},
		&core.Code{},
		&core.CalcJob{},
		&core.Processing{},
	)
}

// ─────────────────────────────────────────────────────────────────────────────
// Entity creation
// ─────────────────────────────────────────────────────────────────────────────

// CreateClient inserts a client. Labels are unique across all clients.
func (s *GormStorage) CreateClient(ctx context.Context, client *core.Client) error {
	if err := security.ValidateLabel(client.Label); err != nil {
		return err
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Client{}).
		Where("label = ?", client.Label).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("client %q: %w", client.Label, core.ErrDuplicateLabel)
	}

	return s.db.WithContext(ctx).Create(client).Error
}

// CreateCode inserts a code. Labels are unique per client.
func (s *GormStorage) CreateCode(ctx context.Context, code *core.Code) error {
	if err := security.ValidateLabel(code.Label); err != nil {
		return err
	}
	if code.ClientPK == 0 {
		return fmt.Errorf("code %q has no client: %w", code.Label, core.ErrNotFound)
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Code{}).
		Where("client_pk = ? AND label = ?", code.ClientPK, code.Label).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("code %q: %w", code.Label, core.ErrDuplicateLabel)
	}

	return s.db.WithContext(ctx).Omit("Client").Create(code).Error
}

// CreateCalcJob inserts a calcjob together with its processing record, in one
// transaction so no calcjob ever exists without one.
func (s *GormStorage) CreateCalcJob(ctx context.Context, calc *core.CalcJob) error {
	if err := security.ValidateLabel(calc.Label); err != nil {
		return err
	}
	if calc.CodePK == 0 {
		return fmt.Errorf("calcjob %q has no code: %w", calc.Label, core.ErrNotFound)
	}
	if calc.UUID == "" {
		calc.UUID = uuid.New().String()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&core.CalcJob{}).
			Where("code_pk = ? AND label = ?", calc.CodePK, calc.Label).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("calcjob %q: %w", calc.Label, core.ErrDuplicateLabel)
		}

		if err := tx.Omit("Processing", "Code").Create(calc).Error; err != nil {
			return err
		}

		proc := &core.Processing{
			CalcJobPK: calc.PK,
			Step:      core.StepCreated,
			State:     core.StatePlaying,
		}
		if err := tx.Create(proc).Error; err != nil {
			return err
		}
		calc.Processing = proc
		return nil
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookups
// ─────────────────────────────────────────────────────────────────────────────

// GetClient retrieves a client by primary key.
func (s *GormStorage) GetClient(ctx context.Context, pk uint) (*core.Client, error) {
	var client core.Client
	err := s.db.WithContext(ctx).First(&client, "pk = ?", pk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("client %d: %w", pk, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// GetClientByLabel retrieves a client by its unique label.
func (s *GormStorage) GetClientByLabel(ctx context.Context, label string) (*core.Client, error) {
	var client core.Client
	err := s.db.WithContext(ctx).First(&client, "label = ?", label).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("client %q: %w", label, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// GetCode retrieves a code by primary key, with its client attached.
func (s *GormStorage) GetCode(ctx context.Context, pk uint) (*core.Code, error) {
	var code core.Code
	err := s.db.WithContext(ctx).Preload("Client").First(&code, "pk = ?", pk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("code %d: %w", pk, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// GetCodeByLabel retrieves a code by label within one client.
func (s *GormStorage) GetCodeByLabel(ctx context.Context, clientPK uint, label string) (*core.Code, error) {
	var code core.Code
	err := s.db.WithContext(ctx).
		Preload("Client").
		First(&code, "client_pk = ? AND label = ?", clientPK, label).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("code %q: %w", label, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

// GetCalcJob retrieves a calcjob by primary key with its code, client and
// processing record attached, which is everything a step needs to execute.
func (s *GormStorage) GetCalcJob(ctx context.Context, pk uint) (*core.CalcJob, error) {
	var calc core.CalcJob
	err := s.db.WithContext(ctx).
		Preload("Code").
		Preload("Code.Client").
		Preload("Processing").
		First(&calc, "pk = ?", pk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("calcjob %d: %w", pk, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &calc, nil
}

// GetProcessing retrieves the processing record of a calcjob.
func (s *GormStorage) GetProcessing(ctx context.Context, calcjobPK uint) (*core.Processing, error) {
	var proc core.Processing
	err := s.db.WithContext(ctx).First(&proc, "calc_job_pk = ?", calcjobPK).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("processing for calcjob %d: %w", calcjobPK, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &proc, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Listings
// ─────────────────────────────────────────────────────────────────────────────

func normalizePage(page core.Page) core.Page {
	if page.Number < 1 {
		page.Number = 1
	}
	page.Size = security.ClampPageSize(page.Size)
	return page
}

func applyFilter(q *gorm.DB, filter core.Predicate) *gorm.DB {
	if filter == nil {
		return q
	}
	sql, args := filter.Clause()
	return q.Where(sql, args...)
}

// ListClients returns one page of clients in primary-key order.
func (s *GormStorage) ListClients(ctx context.Context, filter core.Predicate, page core.Page) ([]*core.Client, error) {
	page = normalizePage(page)
	var clients []*core.Client
	err := applyFilter(s.db.WithContext(ctx).Model(&core.Client{}), filter).
		Order("clients.pk ASC").
		Limit(page.Size).
		Offset((page.Number - 1) * page.Size).
		Find(&clients).Error
	return clients, err
}

// ListCodes returns one page of codes in primary-key order, with clients
// attached.
func (s *GormStorage) ListCodes(ctx context.Context, filter core.Predicate, page core.Page) ([]*core.Code, error) {
	page = normalizePage(page)
	var codes []*core.Code
	err := applyFilter(s.db.WithContext(ctx).Model(&core.Code{}), filter).
		Order("codes.pk ASC").
		Limit(page.Size).
		Offset((page.Number - 1) * page.Size).
		Preload("Client").
		Find(&codes).Error
	return codes, err
}

// ListCalcJobs returns one page of calcjobs in primary-key order, with
// code, client and processing records attached. The processing table is
// joined so filters may reference step and state.
func (s *GormStorage) ListCalcJobs(ctx context.Context, filter core.Predicate, page core.Page) ([]*core.CalcJob, error) {
	page = normalizePage(page)
	var calcs []*core.CalcJob
	err := applyFilter(s.calcJobQuery(ctx), filter).
		Order("calc_jobs.pk ASC").
		Limit(page.Size).
		Offset((page.Number - 1) * page.Size).
		Preload("Code").
		Preload("Code.Client").
		Preload("Processing").
		Find(&calcs).Error
	return calcs, err
}

// CountClients returns the number of clients matching the filter.
func (s *GormStorage) CountClients(ctx context.Context, filter core.Predicate) (int64, error) {
	var count int64
	err := applyFilter(s.db.WithContext(ctx).Model(&core.Client{}), filter).Count(&count).Error
	return count, err
}

// CountCodes returns the number of codes matching the filter.
func (s *GormStorage) CountCodes(ctx context.Context, filter core.Predicate) (int64, error) {
	var count int64
	err := applyFilter(s.db.WithContext(ctx).Model(&core.Code{}), filter).Count(&count).Error
	return count, err
}

// CountCalcJobs returns the number of calcjobs matching the filter.
func (s *GormStorage) CountCalcJobs(ctx context.Context, filter core.Predicate) (int64, error) {
	var count int64
	err := applyFilter(s.calcJobQuery(ctx), filter).Count(&count).Error
	return count, err
}

func (s *GormStorage) calcJobQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&core.CalcJob{}).
		Select("calc_jobs.*").
		Joins("JOIN processings ON processings.calc_job_pk = calc_jobs.pk")
}

// ─────────────────────────────────────────────────────────────────────────────
// Processing transitions
// ─────────────────────────────────────────────────────────────────────────────

// UpdateProcessing applies one step transition atomically. The write succeeds
// only if the record is still at FromStep and still leased by RunnerID (or
// unleased when RunnerID is empty), so a stale driver can never clobber a
// record it lost.
func (s *GormStorage) UpdateProcessing(ctx context.Context, up core.ProcessingUpdate) error {
	if !core.CanAdvance(up.FromStep, up.ToStep) {
		if up.FromStep.Terminal() {
			return core.ErrTerminal
		}
		return core.ErrStepOrder
	}

	updates := map[string]any{
		"step":  up.ToStep,
		"state": core.StateForStep(up.ToStep),
	}
	if up.JobID != nil {
		updates["job_id"] = *up.JobID
	}
	if up.ScriptKey != nil {
		updates["script_key"] = *up.ScriptKey
	}
	if up.RemoteState != nil {
		updates["remote_state"] = *up.RemoteState
	}
	if up.Exception != nil {
		updates["exception"] = security.SanitizeException(*up.Exception)
	}
	if up.RetrievedPaths != nil {
		data, err := json.Marshal(up.RetrievedPaths)
		if err != nil {
			return fmt.Errorf("encode retrieved paths: %w", err)
		}
		updates["retrieved_paths"] = string(data)
	}
	// A terminal transition drops the lease in the same write.
	if core.StateForStep(up.ToStep).Terminal() {
		updates["locked_by"] = ""
		updates["locked_until"] = nil
	}

	result := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("calc_job_pk = ? AND step = ? AND locked_by = ?",
			up.CalcJobPK, up.FromStep, up.RunnerID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.diagnoseUpdateConflict(ctx, up)
	}
	return nil
}

// diagnoseUpdateConflict turns a zero-row conditional update into the
// specific error the caller can act on.
func (s *GormStorage) diagnoseUpdateConflict(ctx context.Context, up core.ProcessingUpdate) error {
	var proc core.Processing
	err := s.db.WithContext(ctx).First(&proc, "calc_job_pk = ?", up.CalcJobPK).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("processing for calcjob %d: %w", up.CalcJobPK, core.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if proc.LockedBy != up.RunnerID {
		return core.ErrNotOwner
	}
	if proc.Step.Terminal() {
		return core.ErrTerminal
	}
	return core.ErrStepOrder
}

// ─────────────────────────────────────────────────────────────────────────────
// Leases
// ─────────────────────────────────────────────────────────────────────────────

// Claim takes the lease on a playing calcjob. Exactly one of several
// concurrent claimers succeeds; the rest get ErrAlreadyClaimed. Re-claiming a
// lease already held by runnerID extends it.
func (s *GormStorage) Claim(ctx context.Context, calcjobPK uint, runnerID string, ttl time.Duration) error {
	now := time.Now()
	until := now.Add(ttl)

	result := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("calc_job_pk = ?", calcjobPK).
		Where("state = ?", core.StatePlaying).
		Where("(locked_by = ? OR locked_by = '' OR locked_until IS NULL OR locked_until < ?)",
			runnerID, now).
		Updates(map[string]any{
			"locked_by":    runnerID,
			"locked_until": until,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var proc core.Processing
		err := s.db.WithContext(ctx).First(&proc, "calc_job_pk = ?", calcjobPK).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("processing for calcjob %d: %w", calcjobPK, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if proc.State.Terminal() {
			return core.ErrTerminal
		}
		return core.ErrAlreadyClaimed
	}
	return nil
}

// RenewLease extends a held lease. Validates that the runner still owns the
// lease before extending.
func (s *GormStorage) RenewLease(ctx context.Context, calcjobPK uint, runnerID string, ttl time.Duration) error {
	until := time.Now().Add(ttl)
	result := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("calc_job_pk = ? AND locked_by = ?", calcjobPK, runnerID).
		Update("locked_until", until)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotOwner
	}
	return nil
}

// ReleaseLease drops a held lease so another runner may claim the calcjob.
func (s *GormStorage) ReleaseLease(ctx context.Context, calcjobPK uint, runnerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("calc_job_pk = ? AND locked_by = ?", calcjobPK, runnerID).
		Updates(map[string]any{
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrNotOwner
	}
	return nil
}

// ReleaseStaleLeases clears leases whose expiry passed more than olderThan
// ago, freeing calcjobs abandoned by crashed runners.
func (s *GormStorage) ReleaseStaleLeases(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("state = ?", core.StatePlaying).
		Where("locked_by <> ''").
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// ClaimablePKs returns up to limit calcjob primary keys that are playing and
// either unleased or holding an expired lease, in primary-key order.
func (s *GormStorage) ClaimablePKs(ctx context.Context, limit int) ([]uint, error) {
	var pks []uint
	err := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Where("state = ?", core.StatePlaying).
		Where("(locked_by = '' OR locked_until IS NULL OR locked_until < ?)", time.Now()).
		Order("calc_job_pk ASC").
		Limit(limit).
		Pluck("calc_job_pk", &pks).Error
	return pks, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Transactions
// ─────────────────────────────────────────────────────────────────────────────

// Transaction runs fn against a transactional view of the store.
func (s *GormStorage) Transaction(ctx context.Context, fn func(tx core.Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStorage{db: tx})
	})
}
