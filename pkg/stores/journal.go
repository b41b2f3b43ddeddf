package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Journal records deploy and undeploy runs in a Store as they settle.
// Write failures are logged and never fail the run.
type Journal struct {
	store  Store
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

var _ engine.Observer = (*Journal)(nil)

// NewJournal returns an observer writing to store.
func NewJournal(store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		store:  store,
		logger: logger.With().Str("component", "journal").Logger(),
		seen:   make(map[string]bool),
	}
}

// EntitySettled implements engine.Observer.
func (j *Journal) EntitySettled(ctx context.Context, runID string, result engine.EntityResult) {
	if err := j.ensureRun(ctx, runID); err != nil {
		j.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to journal run")
		return
	}

	record := &EntityRecord{
		RunID:      runID,
		Kind:       string(result.Kind),
		Name:       result.Name,
		Variant:    string(result.Variant),
		Location:   result.Location,
		Outcome:    OutcomeDeployed,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		record.Outcome = OutcomeFailed
		record.Error = &result.Error
	}

	var state string
	if result.Remote != nil {
		data, err := json.Marshal(result.Remote)
		if err != nil {
			j.logger.Warn().Err(err).Str("entity", result.Name).Msg("Failed to encode remote payload")
		} else {
			state = string(data)
			record.Remote = &state
		}
	}

	if err := j.store.AppendEntity(ctx, record); err != nil {
		j.logger.Error().Err(err).Str("run_id", runID).Str("entity", result.Name).Msg("Failed to journal entity")
		return
	}

	if record.Outcome != OutcomeDeployed || record.Remote == nil {
		return
	}
	remote := result.Remote
	sum := sha256.Sum256([]byte(state))
	err := j.store.UpsertResourceState(ctx, &ResourceState{
		ID:          uuid.New().String(),
		Namespace:   remote.Namespace,
		Kind:        string(remote.Kind),
		Name:        remote.Name,
		Service:     remote.Owner(),
		State:       state,
		Hash:        hex.EncodeToString(sum[:]),
		LastRunID:   runID,
		LastApplied: time.Now().UTC(),
	})
	if err != nil {
		j.logger.Error().Err(err).Str("resource", remote.Ref().String()).Msg("Failed to journal resource state")
	}
}

// DeployCompleted implements engine.Observer.
func (j *Journal) DeployCompleted(ctx context.Context, report *engine.Report) {
	completed := report.CompletedAt.UTC()
	run := &Run{
		ID:          report.RunID,
		Kind:        RunKindDeploy,
		Service:     report.Service,
		Namespace:   report.Namespace,
		Mode:        string(report.Mode),
		Status:      report.Status,
		StartedAt:   report.StartedAt.UTC(),
		CompletedAt: &completed,
		Summary:     deploySummary(report),
	}
	if failures := failedEntities(report); len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		run.Error = &msg
	}

	if err := j.store.SaveRun(ctx, run); err != nil {
		j.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to journal deployment")
		return
	}
	j.forget(report.RunID)
}

// UndeployCompleted implements engine.Observer.
func (j *Journal) UndeployCompleted(ctx context.Context, report *engine.UndeployReport) {
	completed := report.StartedAt.Add(report.Duration).UTC()
	run := &Run{
		ID:          report.RunID,
		Kind:        RunKindUndeploy,
		Service:     report.Service,
		Namespace:   report.Namespace,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   report.StartedAt.UTC(),
		CompletedAt: &completed,
		Summary:     undeploySummary(report),
	}
	if len(report.Errors) > 0 {
		run.Status = engine.RunStatusPartial
		if len(report.Deleted) == 0 {
			run.Status = engine.RunStatusFailed
		}
		msg := strings.Join(report.Errors, "; ")
		run.Error = &msg
	}

	if err := j.store.SaveRun(ctx, run); err != nil {
		j.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to journal undeploy")
		return
	}

	var errs []error
	for _, ref := range report.Deleted {
		errs = append(errs, j.store.AppendEntity(ctx, &EntityRecord{
			RunID:   report.RunID,
			Kind:    string(ref.Kind),
			Name:    ref.Name,
			Outcome: OutcomeDeleted,
		}))
		errs = append(errs, j.store.DeleteResourceState(ctx, ref.Namespace, string(ref.Kind), ref.Name))
	}
	for _, s := range report.Skipped {
		reason := s.Reason
		errs = append(errs, j.store.AppendEntity(ctx, &EntityRecord{
			RunID:   report.RunID,
			Kind:    string(s.Ref.Kind),
			Name:    s.Ref.Name,
			Outcome: OutcomeSkipped,
			Error:   &reason,
		}))
	}
	if err := errors.Join(errs...); err != nil {
		j.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to journal undeploy entities")
	}
}

// ensureRun inserts a placeholder row for a run seen for the first time so
// entity records can reference it before the run completes.
func (j *Journal) ensureRun(ctx context.Context, runID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seen[runID] {
		return nil
	}
	err := j.store.SaveRun(ctx, &Run{
		ID:     runID,
		Kind:   RunKindDeploy,
		Status: engine.RunStatusRunning,
	})
	if err != nil {
		return err
	}
	j.seen[runID] = true
	return nil
}

func (j *Journal) forget(runID string) {
	j.mu.Lock()
	delete(j.seen, runID)
	j.mu.Unlock()
}

func deploySummary(report *engine.Report) string {
	counts := map[string]int{
		"packages": report.Count(engine.EntityPackage),
		"actions":  report.Count(engine.EntityAction),
		"triggers": report.Count(engine.EntityTrigger),
		"rules":    report.Count(engine.EntityRule),
		"routes":   report.Count(engine.EntityRoute),
		"failed":   len(failedEntities(report)),
		"waves":    len(report.Waves),
	}
	data, _ := json.Marshal(counts)
	return string(data)
}

func undeploySummary(report *engine.UndeployReport) string {
	data, _ := json.Marshal(map[string]interface{}{
		"deleted": len(report.Deleted),
		"skipped": len(report.Skipped),
		"errors":  len(report.Errors),
		"wipe":    report.Wipe,
	})
	return string(data)
}

func failedEntities(report *engine.Report) []string {
	var failures []string
	for _, e := range report.Entities {
		if e.Error != "" {
			failures = append(failures, e.Name+": "+e.Error)
		}
	}
	return failures
}
