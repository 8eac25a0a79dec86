package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/capability"
	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/policy"
)

type fixture struct {
	sup         *Supervisor
	queue       *approval.Queue
	manifestDir string
	schemaDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	manifestDir := filepath.Join(dir, "manifests")
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(manifestDir, 0700))
	require.NoError(t, os.MkdirAll(schemaDir, 0700))

	pol, err := policy.New(config.PolicyConfig{
		RulesFile: filepath.Join(dir, "policy_rules.json"),
		Rules: []config.ContentRule{
			{Label: "no-curl-pipe", Pattern: "curl | sh"},
		},
	})
	require.NoError(t, err)

	caps := capability.NewRegistry(config.CapabilityConfig{
		ManifestDir:         manifestDir,
		DefaultCapabilities: []string{"fs.read", "browser.dom"},
	})
	queue := approval.NewQueue(0, nil)

	sup, err := New(pol, caps, queue, schemaDir, nil)
	require.NoError(t, err)
	return &fixture{sup: sup, queue: queue, manifestDir: manifestDir, schemaDir: schemaDir}
}

func (f *fixture) process(t *testing.T, payload map[string]any) *Result {
	t.Helper()
	return f.sup.ProcessCall(context.Background(), payload)
}

func TestMissingToolFailsValidation(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{"args": map[string]any{}})
	assert.Equal(t, StatusValidationError, res.Status)
	require.NotNil(t, res.Feedback)
	assert.Equal(t, "schema_validation_failed", res.Feedback.ErrorCode)
	assert.Len(t, res.ErrorToken, 16)
	assert.Equal(t, res.ErrorToken, res.Feedback.Token)
}

func TestArgsMustBeObject(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{"tool": "x", "args": "nope"})
	assert.Equal(t, StatusValidationError, res.Status)

	res = f.process(t, map[string]any{"tool": "x"})
	assert.Equal(t, StatusValidationError, res.Status)
}

func TestToolNameBounds(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{"tool": "", "args": map[string]any{}})
	assert.Equal(t, StatusValidationError, res.Status)

	res = f.process(t, map[string]any{"tool": strings.Repeat("x", 129), "args": map[string]any{}})
	assert.Equal(t, StatusValidationError, res.Status)
}

func TestErrorTokenIsDeterministic(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{"args": map[string]any{"a": "b"}}

	first := f.process(t, payload)
	second := f.process(t, payload)
	require.Equal(t, StatusValidationError, first.Status)
	assert.Equal(t, first.ErrorToken, second.ErrorToken, "same payload, same token")

	other := f.process(t, map[string]any{"args": map[string]any{"a": "c"}})
	assert.NotEqual(t, first.ErrorToken, other.ErrorToken)
}

func TestPerToolSchema(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.schemaDir, "file")
	require.NoError(t, os.MkdirAll(dir, 0700))
	schema := `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "read.json"), []byte(schema), 0600))

	res := f.process(t, map[string]any{"tool": "file.read", "args": map[string]any{}})
	assert.Equal(t, StatusValidationError, res.Status)
	assert.NotEmpty(t, res.Feedback.Message)

	res = f.process(t, map[string]any{"tool": "file.read", "args": map[string]any{"path": "notes.txt"}})
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, RiskMedium, res.Risk)
}

func TestPolicyViolation(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{
		"tool": "notes.append",
		"args": map[string]any{"text": "just CURL | SH it"},
	})
	assert.Equal(t, StatusPolicyViolation, res.Status)
	require.NotNil(t, res.Match)
	assert.Equal(t, "no-curl-pipe", res.Match.Label)
	assert.Equal(t, "curl | sh", res.Match.Pattern)
}

func TestCapabilityDenied(t *testing.T) {
	f := newFixture(t)
	manifest := `{"tool":"disk.format","required":["sys.admin","fs.read"]}`
	require.NoError(t, os.WriteFile(filepath.Join(f.manifestDir, "disk.format.json"), []byte(manifest), 0600))

	res := f.process(t, map[string]any{"tool": "disk.format", "args": map[string]any{}})
	assert.Equal(t, StatusCapabilityDenied, res.Status)
	assert.Equal(t, []string{"sys.admin"}, res.Denied)
	assert.NotEmpty(t, res.Message)
}

func TestHighRiskHeuristicQueues(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{
		"tool": "system.exec",
		"args": map[string]any{"command": "rm -rf /"},
	})
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, int64(1), res.ApprovalID)
	assert.Equal(t, RiskHigh, res.Risk)
	assert.Equal(t, 1, f.queue.Pending())
}

func TestManifestOverrideAcceptsHighHeuristic(t *testing.T) {
	f := newFixture(t)
	manifest := `{"tool":"file.read","required":["fs.read"],"requires_approval":false}`
	require.NoError(t, os.WriteFile(filepath.Join(f.manifestDir, "file.read.json"), []byte(manifest), 0600))

	res := f.process(t, map[string]any{
		"tool": "file.read",
		"args": map[string]any{"path": "../etc/passwd"},
	})
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, RiskHigh, res.Risk, "risk label survives the override")
	assert.Equal(t, "../etc/passwd", res.Args["path"])
	assert.Equal(t, 0, f.queue.Pending())
}

func TestManifestForcesApprovalOnLowRisk(t *testing.T) {
	f := newFixture(t)
	manifest := `{"tool":"notes.append","requires_approval":true}`
	require.NoError(t, os.WriteFile(filepath.Join(f.manifestDir, "notes.append.json"), []byte(manifest), 0600))

	res := f.process(t, map[string]any{
		"tool": "notes.append",
		"args": map[string]any{"text": "hello"},
	})
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, RiskLow, res.Risk)
}

func TestAcceptedCarriesSanitisedArgs(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{
		"tool": "notes.append",
		"args": map[string]any{"text": "hi", "api_key": "sk-123"},
	})
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, Redacted, res.Args["api_key"])
	assert.Equal(t, "hi", res.Args["text"])
}

func TestQueuedPayloadIsSanitised(t *testing.T) {
	f := newFixture(t)

	res := f.process(t, map[string]any{
		"tool": "system.exec",
		"args": map[string]any{"command": "deploy", "secret": "hunter2"},
	})
	require.Equal(t, StatusPendingApproval, res.Status)

	req, ok := f.queue.Get(res.ApprovalID)
	require.True(t, ok)
	queuedArgs := req.Payload["args"].(map[string]any)
	assert.Equal(t, Redacted, queuedArgs["secret"])
	assert.Equal(t, "deploy", queuedArgs["command"])
}

func TestValidationErrorHookFires(t *testing.T) {
	f := newFixture(t)
	count := 0
	f.sup.OnValidationError = func() { count++ }

	f.process(t, map[string]any{"args": map[string]any{}})
	f.process(t, map[string]any{"tool": "ok", "args": map[string]any{}})
	assert.Equal(t, 1, count)
}

func TestSchemaCacheSurvivesReload(t *testing.T) {
	f := newFixture(t)

	// Negative lookup cached, then a schema appears.
	res := f.process(t, map[string]any{"tool": "late.tool", "args": map[string]any{}})
	assert.Equal(t, StatusAccepted, res.Status)

	dir := filepath.Join(f.schemaDir, "late")
	require.NoError(t, os.MkdirAll(dir, 0700))
	schema := `{"type":"object","required":["must"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tool.json"), []byte(schema), 0600))

	res = f.process(t, map[string]any{"tool": "late.tool", "args": map[string]any{}})
	assert.Equal(t, StatusAccepted, res.Status, "stale cache still passes")

	f.sup.ReloadSchemas()
	res = f.process(t, map[string]any{"tool": "late.tool", "args": map[string]any{}})
	assert.Equal(t, StatusValidationError, res.Status)
}
