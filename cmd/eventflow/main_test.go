package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
)

const testConfig = `
engine:
  dispatch_mode: %MODE%
  store:
    driver: %STORE%
    path: %PATH%
  queue:
    driver: %QUEUE%
    addr: %ADDR%
event_models:
  - key: myEvent
    version: 1
    correlation_parameters:
      - {name: customerId, type: string}
    headers:
      - {name: headerProperty2, type: integer}
  - key: shipped
    version: 1
    correlation_parameters:
      - {name: customerId, type: string}
channels:
  - key: orders
    headers_field: headers
definitions:
  - lineage: order
    start_triggers:
      - event_type: myEvent
        configuration:
          only_one_instance: true
          variables:
            - {source: payload, field: customerId, variable: customerIdVar}
            - {source: header, field: headerProperty2, variable: amount}
    behavior:
      listeners:
        - event_type: shipped
          correlation:
            - {parameter: customerId, variable: customerIdVar}
      complete_on: [shipped]
`

const testInput = `{"channel": "orders", "body": {"type": "myEvent", "customerId": "kermit", "headers": {"headerProperty2": "1234"}}}
{"channel": "orders", "body": {"type": "myEvent", "customerId": "kermit"}}

{"channel": "orders", "body": {"type": "myEvent", "customerId": "gonzo"}}
{"channel": "orders", "body": {"type": "shipped", "customerId": "kermit"}}
{"channel": "nope", "body": {}}
`

type testEnv struct {
	dir    string
	config string
	input  string
}

func newEnv(t *testing.T, replacements map[string]string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig
	defaults := map[string]string{"%MODE%": "sync", "%STORE%": "memory", "%PATH%": "", "%QUEUE%": "memory", "%ADDR%": ""}
	for k, v := range defaults {
		if r, ok := replacements[k]; ok {
			v = r
		}
		cfg = strings.ReplaceAll(cfg, k, v)
	}
	env := &testEnv{dir: dir, config: filepath.Join(dir, "eventflow.yaml"), input: filepath.Join(dir, "messages.jsonl")}
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(env.input, []byte(testInput), 0o600))
	return env
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func decodeRun(t *testing.T, out string) ([]report, summary) {
	t.Helper()
	var reports []report
	var sum summary
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NotEmpty(t, lines)
	for _, l := range lines[:len(lines)-1] {
		var r report
		require.NoError(t, json.Unmarshal([]byte(l), &r))
		reports = append(reports, r)
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &sum))
	return reports, sum
}

func TestRun_Sync(t *testing.T) {
	env := newEnv(t, nil)

	out, err := execute(t, "run", "--config", env.config, "--input", env.input)
	require.NoError(t, err)

	reports, sum := decodeRun(t, out)
	require.Len(t, reports, 5, "blank lines are skipped")
	assert.Equal(t, 1, reports[0].Line)
	assert.Equal(t, correlate.ActionStart, reports[0].Outcomes[0].Action.Kind)
	assert.Equal(t, correlate.ActionSignal, reports[1].Outcomes[0].Action.Kind, "the second kermit order joins the first instance")
	assert.Equal(t, 4, reports[2].Line)
	assert.Len(t, reports[3].Outcomes, 1, "shipped reaches the kermit instance")
	require.Len(t, reports[4].Errors, 1)
	assert.Contains(t, reports[4].Errors[0], "unknown channel")

	require.Len(t, sum.Instances, 2)
	kermit := sum.Instances[0]
	assert.Equal(t, "completed", string(kermit.State))
	assert.Equal(t, "kermit", kermit.Variables["customerIdVar"].Native())
	assert.Equal(t, int64(1234), kermit.Variables["amount"].Native())
	assert.Equal(t, "active", string(sum.Instances[1].State))
}

func TestRun_AsyncWithRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newEnv(t, map[string]string{"%MODE%": "async", "%QUEUE%": "redis", "%ADDR%": mr.Addr()})

	out, err := execute(t, "run", "-c", env.config, "-i", env.input)
	require.NoError(t, err)

	reports, sum := decodeRun(t, out)
	for _, r := range reports[:3] {
		require.Len(t, r.Outcomes, 1)
		assert.NotEmpty(t, r.Outcomes[0].JobID)
		assert.Empty(t, r.Outcomes[0].InstanceID)
	}
	assert.Empty(t, reports[3].Outcomes, "no instance listens before the jobs run")

	assert.Len(t, sum.Async, 3)
	assert.Len(t, sum.Instances, 2, "kermit is started once, gonzo once")
	assert.False(t, mr.Exists("eventflow:jobs"), "the queue is drained")
}

func TestRun_SQLiteStorePersistsDeployments(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, map[string]string{"%STORE%": "sqlite", "%PATH%": filepath.Join(dir, "eventflow.db")})

	_, err := execute(t, "run", "-c", env.config, "-i", env.input)
	require.NoError(t, err)

	out, err := execute(t, "subscriptions", "-c", env.config, "--start-only")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "header plus one start subscription")
	assert.Contains(t, lines[1], "order:1")
	assert.Contains(t, lines[1], "true")

	_, err = execute(t, "subscriptions", "-c", env.config, "--redeploy")
	require.NoError(t, err)
	out, err = execute(t, "subs", "-c", env.config, "--start-only")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "the start subscription moved to the new version")
	assert.Contains(t, lines[1], "order:2")
}

func TestSubscriptions_ListsInstanceListeners(t *testing.T) {
	dir := t.TempDir()
	env := newEnv(t, map[string]string{"%STORE%": "sqlite", "%PATH%": filepath.Join(dir, "eventflow.db")})

	input := `{"channel": "orders", "body": {"type": "myEvent", "customerId": "kermit"}}` + "\n"
	require.NoError(t, os.WriteFile(env.input, []byte(input), 0o600))
	_, err := execute(t, "run", "-c", env.config, "-i", env.input)
	require.NoError(t, err)

	out, err := execute(t, "subscriptions", "-c", env.config, "--event-type", "shipped")
	require.NoError(t, err)
	assert.Contains(t, out, `customerId="kermit"`)
}

func TestErrors(t *testing.T) {
	env := newEnv(t, nil)

	_, err := execute(t, "run", "-c", filepath.Join(env.dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = execute(t, "run", "-c", env.config, "-i", filepath.Join(env.dir, "missing.jsonl"))
	assert.ErrorContains(t, err, "open input")

	_, err = execute(t, "run", "-c", env.config, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")

	bad := filepath.Join(env.dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("not json\n"), 0o600))
	_, err = execute(t, "run", "-c", env.config, "-i", bad)
	assert.ErrorContains(t, err, "line 1")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	down := newEnv(t, map[string]string{"%QUEUE%": "redis", "%ADDR%": addr})
	_, err = execute(t, "run", "-c", down.config, "-i", down.input)
	assert.ErrorContains(t, err, "connect job queue")
}
