// Package retention garbage-collects old snapshots and the execution
// records only they referenced. It is an opt-in pass run outside builds:
// prediction and compaction never delete anything but temporaries.
package retention

import (
	"context"
	"fmt"
	"log/slog"

	"skippy/internal/repo"
)

// Policy selects what a retention pass keeps.
type Policy struct {
	// KeepSnapshots is how many of the newest snapshots to keep, the latest
	// included. Zero keeps every snapshot.
	KeepSnapshots int
	// PruneRecords deletes execution records no kept snapshot references.
	PruneRecords bool
}

// Plan lists the artifacts a pass would delete.
type Plan struct {
	Latest    string
	Keep      []string
	Snapshots []string
	Records   []string
}

// Empty reports whether the plan deletes nothing.
func (p *Plan) Empty() bool {
	return len(p.Snapshots) == 0 && len(p.Records) == 0
}

// BuildPlan computes what policy would delete from r without deleting
// anything.
func BuildPlan(ctx context.Context, r *repo.Repository, policy Policy) (*Plan, error) {
	if policy.KeepSnapshots < 0 {
		return nil, fmt.Errorf("keep_snapshots must not be negative")
	}

	latest, err := r.LatestID(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Latest: latest}
	keep := make(map[string]bool)
	if latest != "" {
		keep[latest] = true
	}
	// Version ids sort by creation time, so the newest are at the end.
	for i := len(ids) - 1; i >= 0; i-- {
		if policy.KeepSnapshots == 0 || len(keep) < policy.KeepSnapshots {
			keep[ids[i]] = true
		}
	}
	for _, id := range ids {
		if keep[id] {
			plan.Keep = append(plan.Keep, id)
		} else {
			plan.Snapshots = append(plan.Snapshots, id)
		}
	}

	if !policy.PruneRecords {
		return plan, nil
	}

	referenced := make(map[string]bool)
	for _, id := range plan.Keep {
		s, ok, err := r.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, rec := range s.ExecutionIDs() {
			referenced[rec] = true
		}
	}
	records, err := r.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !referenced[rec] {
			plan.Records = append(plan.Records, rec)
		}
	}
	return plan, nil
}

// Apply deletes what plan lists. Snapshots go first so that a failure
// midway never leaves a kept snapshot pointing at a deleted record.
func Apply(ctx context.Context, r *repo.Repository, plan *Plan, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, id := range plan.Snapshots {
		if err := r.DeleteSnapshot(ctx, id); err != nil {
			return fmt.Errorf("deleting snapshot %s: %w", id, err)
		}
		logger.Debug("snapshot deleted", "snapshot", id)
	}
	for _, id := range plan.Records {
		if err := r.DeleteRecord(ctx, id); err != nil {
			return fmt.Errorf("deleting record %s: %w", id, err)
		}
		logger.Debug("record deleted", "record", id)
	}
	logger.Info("retention applied", "snapshots", len(plan.Snapshots), "records", len(plan.Records))
	return nil
}
