package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/engine"
)

func liveAction(name, owner string) *engine.RemoteResource {
	r := &engine.RemoteResource{
		Kind:      engine.ResourceActions,
		Namespace: "_",
		Name:      name,
		Exec:      &engine.Exec{Kind: "nodejs:20", Code: name},
	}
	if owner != "" {
		r.Annotations = engine.Dict{engine.ManagedAnnotation: owner}
	}
	return r
}

func TestMustUndeploy(t *testing.T) {
	ref := actionRef("_", "x")
	tests := []struct {
		name       string
		inManifest bool
		owner      string
		want       bool
		conflict   bool
	}{
		{name: "owned and dropped", owner: "svc", want: true},
		{name: "foreign and dropped", owner: "other"},
		{name: "unowned and dropped"},
		{name: "owned and kept", inManifest: true, owner: "svc"},
		{name: "unowned and kept", inManifest: true},
		{name: "foreign and kept", inManifest: true, owner: "other", conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.MustUndeploy(ref, tt.inManifest, tt.owner, "svc")
			if tt.conflict {
				require.True(t, engine.IsOwnershipConflict(err), "got %v", err)
				assert.Equal(t, tt.owner, engine.OwnerOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconciler_Undeploy_Ownership(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["w"] = &engine.Action{Name: "w", Spec: engine.CodeSpec{Source: "w", Runtime: "nodejs:20"}}

	mem := client.NewMemory()
	mem.Seed(liveAction("w", "svc"), liveAction("x", "svc"), liveAction("y", "other"), liveAction("z", ""))

	obs := &recordingObserver{}
	report, err := engine.NewReconciler(mem, obs, zerolog.Nop()).Undeploy(context.Background(), p, engine.UndeployOptions{})
	require.NoError(t, err)

	require.Len(t, report.Deleted, 1)
	assert.Equal(t, "x", report.Deleted[0].Name)
	for _, name := range []string{"w", "y", "z"} {
		_, ok := mem.Lookup(actionRef("_", name))
		assert.True(t, ok, "%s is kept", name)
	}

	reasons := make(map[string]string)
	for _, s := range report.Skipped {
		reasons[s.Ref.Name] = s.Reason
	}
	assert.Equal(t, map[string]string{
		"w": engine.SkipInManifest,
		"y": engine.SkipForeignOwner,
		"z": engine.SkipUnowned,
	}, reasons)
	assert.Len(t, obs.undeploys, 1)
}

func TestReconciler_Undeploy_ConflictSkipsAndContinues(t *testing.T) {
	p := engine.NewProject("svc", "", "")
	p.Actions["y"] = &engine.Action{Name: "y", Spec: engine.CodeSpec{Source: "y", Runtime: "nodejs:20"}}

	mem := client.NewMemory()
	mem.Seed(liveAction("x", "svc"), liveAction("y", "other"))

	report, err := engine.NewReconciler(mem, nil, zerolog.Nop()).Undeploy(context.Background(), p, engine.UndeployOptions{})
	require.True(t, engine.IsOwnershipConflict(err), "got %v", err)

	_, ok := mem.Lookup(actionRef("_", "x"))
	assert.False(t, ok, "x is deleted despite the conflict")
	_, ok = mem.Lookup(actionRef("_", "y"))
	assert.True(t, ok, "y is kept")
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, engine.SkipConflict, report.Skipped[0].Reason)
}

func TestReconciler_Undeploy_DeleteFailuresAggregate(t *testing.T) {
	mem := client.NewMemory()
	mem.Seed(liveAction("a", "svc"), liveAction("b", "svc"), liveAction("c", "svc"))
	mem.FailOn("delete", actionRef("_", "a"), errors.New("locked"))
	mem.FailOn("delete", actionRef("_", "c"), errors.New("locked"))

	p := engine.NewProject("svc", "", "")
	report, err := engine.NewReconciler(mem, nil, zerolog.Nop()).Undeploy(context.Background(), p, engine.UndeployOptions{Parallelism: 1})
	require.True(t, engine.IsRemote(err), "got %v", err)
	require.Len(t, report.Deleted, 1)
	assert.Equal(t, "b", report.Deleted[0].Name)
}

func TestReconciler_Undeploy_Wipe(t *testing.T) {
	mem := client.NewMemory()
	mem.Seed(liveAction("x", "svc"), liveAction("y", "other"), liveAction("z", ""),
		&engine.RemoteResource{Kind: engine.ResourceTriggers, Namespace: "_", Name: "tick"})

	report, err := engine.NewReconciler(mem, nil, zerolog.Nop()).
		Undeploy(context.Background(), nil, engine.UndeployOptions{Namespace: "_"})
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 4)
	for _, kind := range engine.AllResourceKinds {
		assert.Empty(t, mem.Snapshot(kind), "no %s left", kind)
	}
}

func TestReconciler_Undeploy_DryRun(t *testing.T) {
	mem := client.NewMemory()
	mem.Seed(liveAction("x", "svc"))

	report, err := engine.NewReconciler(mem, nil, zerolog.Nop()).
		Undeploy(context.Background(), engine.NewProject("svc", "", ""), engine.UndeployOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 1)
	_, ok := mem.Lookup(actionRef("_", "x"))
	assert.True(t, ok, "a dry run keeps x")
}

func TestReconciler_DeployThenPrune(t *testing.T) {
	mem := client.NewMemory()
	deployer := engine.NewDeployer(mem, nil, demoLoader(), nil, zerolog.Nop())
	_, err := deployer.Deploy(context.Background(), demoProject(), engine.DeployOptions{})
	require.NoError(t, err)

	// Drop the route and the rule from the manifest.
	p := demoProject()
	delete(p.APIs, "hello")
	delete(p.Rules, "on-tick")

	report, err := engine.NewReconciler(mem, nil, zerolog.Nop()).Undeploy(context.Background(), p, engine.UndeployOptions{})
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 2, "the rule and the route are deleted")
	_, ok := mem.Lookup(actionRef("_", "mysequence"))
	assert.True(t, ok, "mysequence survives")
}
