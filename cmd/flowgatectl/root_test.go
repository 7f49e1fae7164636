package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/flowgate/internal/compare/normalize"
)

func writeWorkflow(t *testing.T, dir, file, url string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"name":"Orders","nodes":[
 {"id":"n1","name":"Trigger","type":"n8n-nodes-base.manualTrigger","typeVersion":1},
 {"id":"n2","name":"Call","type":"n8n-nodes-base.httpRequest","typeVersion":4,"parameters":{"url":%q}}
],"connections":{"Trigger":{"main":[[{"node":"Call","type":"main","index":0}]]}}}`, url)
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"hash"}, {"diff"}, {"risk"}, {"policy", "check"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkflow(t, dir, "a.json", "https://a.example")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := normalize.HashRaw(raw)
	require.NoError(t, err)

	out, err := run(t, "hash", path)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)

	out, err = run(t, "hash", "--json", path)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, want, body["hash"])
	assert.Equal(t, "Orders", body["name"])
}

func TestHashMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"Broken"}`), 0o600))

	_, err := run(t, "hash", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed workflow definition")
}

func TestDiffAndRisk(t *testing.T) {
	dir := t.TempDir()
	source := writeWorkflow(t, dir, "source.json", "https://b.example")
	target := writeWorkflow(t, dir, "target.json", "https://a.example")

	out, err := run(t, "diff", source, source)
	require.NoError(t, err)
	assert.Equal(t, "unchanged\n", out)

	out, err = run(t, "diff", source, target)
	require.NoError(t, err)
	assert.Contains(t, out, "parameters.url")
	assert.Contains(t, out, "modify=1")

	out, err = run(t, "risk", "--json", source, target)
	require.NoError(t, err)
	var assessment struct {
		Tier    string   `json:"tier"`
		Reasons []string `json:"reasons"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &assessment))
	assert.Equal(t, "HIGH", assessment.Tier)
	assert.Contains(t, assessment.Reasons, "http_target")
}

func TestPolicyCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema: flowgate.gate-policy.v1
rules:
  - id: no-high-risk-prod
    effect: deny
    when:
      all:
        - field: target.class
          op: eq
          value: production
        - field: risk.tier
          op: eq
          value: HIGH
`), 0o600))

	out, err := run(t, "policy", "check", path, "--target-class", "prod", "--risk", "low")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "allow"), out)

	out, err = run(t, "policy", "check", path, "--target-class", "production", "--risk", "HIGH")
	require.Error(t, err)
	assert.Contains(t, out, "rule no-high-risk-prod")

	_, err = run(t, "policy", "check", path, "--risk", "extreme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid risk tier")
}
