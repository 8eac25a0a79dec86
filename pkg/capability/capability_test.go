package capability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
)

func writeManifest(t *testing.T, dir, tool, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tool+".json"), []byte(body), 0600))
}

func newRegistry(t *testing.T, grants ...string) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	if grants == nil {
		grants = []string{"fs.read", "browser.dom"}
	}
	r := NewRegistry(config.CapabilityConfig{
		ManifestDir:         dir,
		DefaultCapabilities: grants,
	})
	return r, dir
}

func TestNoManifestPasses(t *testing.T) {
	r, _ := newRegistry(t)
	allowed, denied := r.Check("unknown_tool", map[string]any{"x": 1})
	assert.True(t, allowed)
	assert.Empty(t, denied)
}

func TestRequiredCapabilities(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")
	writeManifest(t, dir, "file_read", `{"tool":"file_read","required":["fs.read"]}`)
	writeManifest(t, dir, "file_write", `{"tool":"file_write","required":["fs.write","fs.read"]}`)

	allowed, denied := r.Check("file_read", nil)
	assert.True(t, allowed)
	assert.Empty(t, denied)

	allowed, denied = r.Check("file_write", nil)
	assert.False(t, allowed)
	assert.Equal(t, []string{"fs.write"}, denied)
}

func TestWildcardGrantsEverything(t *testing.T) {
	r, dir := newRegistry(t, Wildcard)
	writeManifest(t, dir, "exec", `{"tool":"exec","required":["system.exec"],"allowed_arg_keys":["command"]}`)

	allowed, denied := r.Check("exec", map[string]any{"command": "ls", "surprise": true})
	assert.True(t, allowed, "ALL skips both capability and arg-key checks")
	assert.Empty(t, denied)
}

func TestArgKeyGuard(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")
	writeManifest(t, dir, "file_read", `{"tool":"file_read","required":["fs.read"],"allowed_arg_keys":["path","encoding"]}`)

	allowed, denied := r.Check("file_read", map[string]any{"path": "/tmp/a"})
	assert.True(t, allowed)
	assert.Empty(t, denied)

	allowed, denied = r.Check("file_read", map[string]any{
		"path":  "/tmp/a",
		"shell": "sh",
		"extra": 1,
	})
	assert.False(t, allowed)
	assert.Equal(t, []string{"arg_keys_not_allowed:extra", "arg_keys_not_allowed:shell"}, denied)
}

func TestNilAllowedArgKeysMeansNoGuard(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")
	writeManifest(t, dir, "file_read", `{"tool":"file_read","required":["fs.read"]}`)

	allowed, denied := r.Check("file_read", map[string]any{"anything": "goes"})
	assert.True(t, allowed)
	assert.Empty(t, denied)
}

func TestEmptyAllowedArgKeysDeniesAllKeys(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")
	writeManifest(t, dir, "file_read", `{"tool":"file_read","required":["fs.read"],"allowed_arg_keys":[]}`)

	allowed, denied := r.Check("file_read", map[string]any{"path": "/tmp/a"})
	assert.False(t, allowed)
	assert.Equal(t, []string{"arg_keys_not_allowed:path"}, denied)
}

func TestLookupIsCachedUntilReload(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")

	_, ok := r.Get("late_tool")
	assert.False(t, ok)

	writeManifest(t, dir, "late_tool", `{"tool":"late_tool","required":["fs.read"]}`)
	_, ok = r.Get("late_tool")
	assert.False(t, ok, "negative lookup stays cached")

	v := r.Version()
	r.Reload()
	assert.Greater(t, r.Version(), v)

	m, ok := r.Get("late_tool")
	require.True(t, ok)
	assert.Equal(t, []string{"fs.read"}, m.Required)
}

func TestPathTraversalNamesRejected(t *testing.T) {
	r, _ := newRegistry(t)
	_, ok := r.Get("../../etc/passwd")
	assert.False(t, ok)
	allowed, _ := r.Check("../../etc/passwd", nil)
	assert.True(t, allowed, "treated as tool without manifest")
}

func TestRequiresApprovalAndRisk(t *testing.T) {
	r, dir := newRegistry(t, "fs.read")
	writeManifest(t, dir, "shell_exec",
		`{"tool":"shell_exec","display_name":"Shell","risk_level":"high","requires_approval":true}`)

	m, ok := r.Get("shell_exec")
	require.True(t, ok)
	assert.True(t, m.RequiresApproval)
	assert.Equal(t, "high", m.RiskLevel)
	assert.Equal(t, "Shell", m.DisplayName)
}

func TestList(t *testing.T) {
	r, dir := newRegistry(t)
	writeManifest(t, dir, "zeta", `{"tool":"zeta"}`)
	writeManifest(t, dir, "alpha", `{"tool":"alpha"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0600))

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Tool)
	assert.Equal(t, "zeta", list[1].Tool)
}

func TestGrants(t *testing.T) {
	r, _ := newRegistry(t, "net.fetch", "fs.read")
	assert.Equal(t, []string{"fs.read", "net.fetch"}, r.Grants())
}
