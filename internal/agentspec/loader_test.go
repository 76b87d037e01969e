package agentspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-runtime/internal/domain"
)

const baseYAML = `
name: base
type: analysis
version: 1.0.0
prompt_template: "analyse {{.task}}"
state_schema:
  required_fields: [topic]
  output_fields: [score]
  checkpoint_policy:
    enabled: true
    every_n: 5
resource_constraints:
  model: small
  max_tokens: 512
  timeout: 30
success_metrics:
  - metric: score
    threshold: 0.8
    operator: gte
capabilities:
  - tool: echo
`

const childYAML = `
parent_config: base.yaml
name: child
version: 1.1.0
resource_constraints:
  max_tokens: 2048
capabilities:
  - tool: kv
    sandbox: true
    permissions:
      kv: [write]
hooks:
  on_error: echo
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(write(t, dir, "base.yaml", baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "base", cfg.Name)
	assert.Equal(t, domain.StrategySequential, cfg.ExecutionStrategy)
	assert.Equal(t, 512, cfg.ResourceConstraints.MaxTokens)
	assert.True(t, cfg.StateSchema.CheckpointEnabled(5))
	assert.False(t, cfg.StateSchema.CheckpointEnabled(4))
	require.Len(t, cfg.SuccessMetrics, 1)
	assert.Equal(t, domain.OpGTE, cfg.SuccessMetrics[0].Operator)
}

func TestLoad_Inheritance(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "base.yaml", baseYAML)
	cfg, err := Load(write(t, dir, "child.yaml", childYAML))
	require.NoError(t, err)

	assert.Equal(t, "child", cfg.Name)
	assert.Equal(t, "analysis", cfg.Type)
	assert.Equal(t, 2048, cfg.ResourceConstraints.MaxTokens)
	assert.Equal(t, "small", cfg.ResourceConstraints.Model, "nested maps are merged")
	assert.Equal(t, 30, cfg.ResourceConstraints.TimeoutSeconds)
	require.Len(t, cfg.Capabilities, 1, "lists are replaced, not appended")
	assert.Equal(t, "kv", cfg.Capabilities[0].Tool)
	assert.True(t, cfg.Capabilities[0].Sandbox)
	assert.Equal(t, "echo", cfg.Hooks[domain.HookOnError])
	assert.Equal(t, "base.yaml", cfg.ParentConfig)
}

func TestLoad_Cycle(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.yaml", "parent_config: b.yaml\nname: a\n")
	p := write(t, dir, "b.yaml", "parent_config: a.yaml\nname: b\n")

	_, err := Load(p)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "cycle")
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(write(t, dir, "typo.yaml", baseYAML+"promt_template: oops\n"))
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(baseYAML))
	require.NoError(t, err)
	assert.Equal(t, "base", cfg.Name)

	_, err = Parse([]byte(childYAML))
	require.Error(t, err)

	_, err = Parse([]byte("name: x\n"))
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "base.yaml", baseYAML)
	write(t, dir, "child.yaml", childYAML)
	write(t, dir, "copy.yml", baseYAML)
	write(t, dir, "notes.txt", "ignored")

	cfgs, err := LoadDir(dir)
	require.Error(t, err, "duplicate name is reported")
	assert.Contains(t, err.Error(), "duplicate agent name")
	assert.Len(t, cfgs, 2)
	assert.Contains(t, cfgs, "base")
	assert.Contains(t, cfgs, "child")
}
