package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)
	return m
}

func testProject() *engine.Project {
	p := engine.NewProject("demo", "", "")
	p.Actions["hello"] = &engine.Action{
		Name: "hello",
		Spec: engine.CodeSpec{Source: "def main(args): return args", Runtime: "python:3"},
	}
	p.Actions["both"] = &engine.Action{
		Name: "both",
		Spec: engine.SequenceSpec{Components: []string{"hello"}},
	}
	p.Triggers["tick"] = &engine.Trigger{Name: "tick"}
	return p
}

func TestMetrics_Deploy(t *testing.T) {
	m := newTestMetrics(t)
	deployer := engine.NewDeployer(client.NewMemory(), nil, nil, m, zerolog.Nop())

	_, err := deployer.Deploy(context.Background(), testProject(), engine.DeployOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.entitiesSettled.WithLabelValues("action", "deployed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.entitiesSettled.WithLabelValues("trigger", "deployed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deploysCompleted.WithLabelValues("demo", "succeeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.waves))
}

func TestMetrics_FailedDeploy(t *testing.T) {
	m := newTestMetrics(t)
	mem := client.NewMemory()
	mem.FailOn("create", engine.ResourceRef{Kind: engine.ResourceActions, Namespace: "_", Name: "hello"},
		engine.NewRemoteError("actions/_/hello", "create", errors.New("quota exceeded")))

	_, err := engine.NewDeployer(mem, nil, nil, m, zerolog.Nop()).Deploy(context.Background(), testProject(), engine.DeployOptions{})
	require.Error(t, err)
	m.RecordError(err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.entitiesSettled.WithLabelValues("action", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deploysCompleted.WithLabelValues("demo", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsByCode.WithLabelValues("remote", engine.ErrCodeRemote)))
}

func TestMetrics_Undeploy(t *testing.T) {
	m := newTestMetrics(t)
	mem := client.NewMemory()
	mem.Seed(
		&engine.RemoteResource{Kind: engine.ResourceActions, Namespace: "_", Name: "old", Managed: "demo"},
		&engine.RemoteResource{Kind: engine.ResourceActions, Namespace: "_", Name: "theirs", Managed: "other"},
	)

	_, err := engine.NewReconciler(mem, m, zerolog.Nop()).Undeploy(context.Background(), engine.NewProject("demo", "", ""), engine.UndeployOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.resourcesDeleted.WithLabelValues("actions")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resourcesSkipped.WithLabelValues(engine.SkipForeignOwner)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.undeploysCompleted.WithLabelValues("demo", "succeeded")))
}

func TestMetrics_PolicyAndWatch(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordPolicyFinding("action-limits", "error")
	m.RecordPolicyFinding("action-limits", "error")
	m.RecordWatchRedeploy(nil)
	m.RecordWatchRedeploy(errors.New("boom"))

	expected := `
# HELP fnforge_policy_findings_total Total number of policy findings by policy and severity
# TYPE fnforge_policy_findings_total counter
fnforge_policy_findings_total{policy="action-limits",severity="error"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(m.policyViolations, strings.NewReader(expected)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.watchRedeploys.WithLabelValues("error")))
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.EntitySettled(context.Background(), "run", engine.EntityResult{Kind: engine.EntityAction})
	m.DeployCompleted(context.Background(), &engine.Report{})
	m.UndeployCompleted(context.Background(), &engine.UndeployReport{})
	m.RecordError(errors.New("x"))

	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Serve(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordWatchRedeploy(nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, listener, zerolog.Nop()) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Contains(t, string(body), `fnforge_watch_redeploys_total{result="ok"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
