package stores_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/stores"
)

func openStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func helloProject() *engine.Project {
	p := engine.NewProject("demo", "", "")
	p.Actions["hello"] = &engine.Action{
		Name: "hello",
		Spec: engine.CodeSpec{Source: "def main(args): return args", Runtime: "python:3"},
	}
	p.Triggers["tick"] = &engine.Trigger{Name: "tick"}
	p.Rules["on-tick"] = &engine.Rule{Name: "on-tick", Trigger: "tick", Action: "hello"}
	return p
}

func TestJournal_RecordsDeployment(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	journal := stores.NewJournal(store, zerolog.Nop())

	deployer := engine.NewDeployer(client.NewMemory(), nil, nil, journal, zerolog.Nop())
	report, err := deployer.Deploy(ctx, helloProject(), engine.DeployOptions{})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, stores.RunKindDeploy, run.Kind)
	assert.Equal(t, "demo", run.Service)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.Error)

	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(run.Summary), &summary))
	assert.Equal(t, map[string]int{"actions": 1, "triggers": 1, "rules": 1}, onlyKinds(summary, "actions", "triggers", "rules"))

	records, err := store.ListEntities(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, stores.OutcomeDeployed, r.Outcome, r.Name)
		assert.NotNil(t, r.Remote, r.Name)
	}

	state, err := store.GetResourceState(ctx, "_", "actions", "hello")
	require.NoError(t, err)
	assert.Equal(t, "demo", state.Service)
	assert.Equal(t, report.RunID, state.LastRunID)
	assert.Len(t, state.Hash, 64)
}

func onlyKinds(summary map[string]int, kinds ...string) map[string]int {
	out := make(map[string]int, len(kinds))
	for _, k := range kinds {
		out[k] = summary[k]
	}
	return out
}

func TestJournal_RecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	journal := stores.NewJournal(store, zerolog.Nop())

	mem := client.NewMemory()
	mem.FailOn("create", engine.ResourceRef{Kind: engine.ResourceActions, Namespace: "_", Name: "hello"}, errors.New("quota exceeded"))

	deployer := engine.NewDeployer(mem, nil, nil, journal, zerolog.Nop())
	report, err := deployer.Deploy(ctx, helloProject(), engine.DeployOptions{})
	require.Error(t, err)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusFailed, run.Status)
	assert.NotNil(t, run.Error)

	records, err := store.ListEntities(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, stores.OutcomeFailed, records[0].Outcome)

	_, err = store.GetResourceState(ctx, "_", "actions", "hello")
	assert.ErrorIs(t, err, stores.ErrNotFound, "failed entities leave no resource state")
}

func TestJournal_RecordsUndeploy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	journal := stores.NewJournal(store, zerolog.Nop())

	mem := client.NewMemory()
	_, err := engine.NewDeployer(mem, nil, nil, journal, zerolog.Nop()).Deploy(ctx, helloProject(), engine.DeployOptions{})
	require.NoError(t, err)
	mem.Seed(&engine.RemoteResource{Kind: engine.ResourceActions, Namespace: "_", Name: "foreign", Managed: "other"})

	report, err := engine.NewReconciler(mem, journal, zerolog.Nop()).Undeploy(ctx, engine.NewProject("demo", "", ""), engine.UndeployOptions{})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, stores.RunKindUndeploy, run.Kind)
	assert.Equal(t, engine.RunStatusSucceeded, run.Status)

	records, err := store.ListEntities(ctx, report.RunID)
	require.NoError(t, err)
	outcomes := map[stores.Outcome]int{}
	for _, r := range records {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 3, outcomes[stores.OutcomeDeleted])
	assert.Equal(t, 1, outcomes[stores.OutcomeSkipped])

	service := "demo"
	states, err := store.ListResourceStates(ctx, &service, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, states, "deleted resources leave no state")

	runs, err := store.ListRuns(ctx, stores.RunFilter{Service: &service}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "deploy and undeploy runs")
}
