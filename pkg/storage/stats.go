package storage

import (
	"context"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Stats returns entity counts plus processing counts grouped by state and
// step, for status reporting.
func (s *GormStorage) Stats(ctx context.Context) (*core.Stats, error) {
	stats := &core.Stats{
		ByState: make(map[core.State]int64),
		ByStep:  make(map[core.Step]int64),
	}

	if err := s.db.WithContext(ctx).Model(&core.Client{}).Count(&stats.Clients).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&core.Code{}).Count(&stats.Codes).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&core.CalcJob{}).Count(&stats.CalcJobs).Error; err != nil {
		return nil, err
	}

	type row struct {
		Step  string
		State string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&core.Processing{}).
		Select("step, state, count(*) as count").
		Group("step, state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		stats.ByState[core.State(r.State)] += r.Count
		stats.ByStep[core.Step(r.Step)] += r.Count
	}
	return stats, nil
}
