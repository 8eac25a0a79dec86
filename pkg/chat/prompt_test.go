package chat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/knowledge"
	"github.com/intelliclaw/gateway/pkg/tools"
	"github.com/intelliclaw/gateway/pkg/vector"
)

func testPromptConfig() config.ChatConfig {
	return config.ChatConfig{
		MaxRounds:           5,
		PageContextMaxBytes: 8192,
		MemoryResults:       2,
		CompactTokenBudget:  2000,
	}
}

func echoToolInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        "echo",
		Description: "Echo text back.",
		Source:      "native",
		Schema: map[string]any{
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
		},
		Required: []string{"text"},
	}
}

func TestSystemPromptBlockOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENT.md"), []byte("I am the browser copilot."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("Calm and precise."), 0o644))

	cfg := testPromptConfig()
	cfg.WorkspaceDir = dir
	cfg.Personas = map[string]string{"pirate": "Talk like a pirate."}
	b := NewBuilder(cfg, nil)

	system := b.System(context.Background(), promptRequest{
		Persona:        "pirate",
		UseWorkspace:   true,
		UsePageContext: true,
		PageContext:    "<h1>Checkout</h1>",
		Extra:          "Keep answers short.",
		UseTools:       true,
		Tools:          []tools.ToolInfo{echoToolInfo()},
	})

	blocks := strings.Split(system, blockSeparator)
	require.Len(t, blocks, 5)
	assert.Equal(t, "Talk like a pirate.", blocks[0])
	assert.Contains(t, blocks[1], "browser copilot")
	assert.Contains(t, blocks[1], "Calm and precise.")
	assert.True(t, strings.HasPrefix(blocks[2], "Current page context:\n"))
	assert.Contains(t, blocks[2], "<h1>Checkout</h1>")
	assert.Equal(t, "Keep answers short.", blocks[3])
	assert.Contains(t, blocks[4], "TOOL_CALL:")
	assert.Contains(t, blocks[4], "- echo: Echo text back.")
	assert.Contains(t, blocks[4], "text (string, required)")
}

func TestSystemPromptUnknownPersonaOmitted(t *testing.T) {
	cfg := testPromptConfig()
	cfg.Personas = map[string]string{"pirate": "Arr."}
	b := NewBuilder(cfg, nil)

	system := b.System(context.Background(), promptRequest{
		Persona: "ghost",
		Extra:   "Only the extra block.",
	})

	assert.Equal(t, "Only the extra block.", system)
}

func TestSystemPromptEmptyWhenNothingRequested(t *testing.T) {
	b := NewBuilder(testPromptConfig(), nil)

	assert.Empty(t, b.System(context.Background(), promptRequest{}))
}

func TestPageContextTruncation(t *testing.T) {
	cfg := testPromptConfig()
	cfg.PageContextMaxBytes = 10
	b := NewBuilder(cfg, nil)

	system := b.System(context.Background(), promptRequest{
		UsePageContext: true,
		PageContext:    "0123456789ABCDEF",
	})

	assert.Equal(t, "Current page context:\n0123456789\n[truncated]", system)
}

func TestWorkspaceBlockSkipsMissingFiles(t *testing.T) {
	cfg := testPromptConfig()
	cfg.WorkspaceDir = t.TempDir()
	b := NewBuilder(cfg, nil)

	system := b.System(context.Background(), promptRequest{
		UseWorkspace: true,
		Extra:        "fallback",
	})

	assert.Equal(t, "fallback", system)
}

func TestToolProtocolBlockParams(t *testing.T) {
	block := toolProtocolBlock([]tools.ToolInfo{{
		Name:        "shell",
		Description: "Run a command.",
		Schema: map[string]any{
			"properties": map[string]any{
				"cmd":     map[string]any{"type": "string"},
				"timeout": map[string]any{"type": "integer"},
			},
		},
		Required: []string{"cmd"},
	}})

	assert.Contains(t, block, `TOOL_CALL: {"tool": "<name>", "args": {<arguments>}}`)
	assert.Contains(t, block, "- shell: Run a command.")
	assert.Contains(t, block, "args: cmd (string, required), timeout (integer)")
}

type keywordEmbedder struct{}

func (keywordEmbedder) Dimensions() int { return 4 }

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	low := strings.ToLower(text)
	if strings.Contains(low, "deploy") {
		vec[0] = 1
	}
	if strings.Contains(low, "rollback") {
		vec[1] = 1
	}
	if strings.Contains(low, "coffee") {
		vec[2] = 1
	}
	vec[3] = 0.1
	return vec, nil
}

func TestMemoryBlockListsLabelledSnippets(t *testing.T) {
	store, err := vector.NewChromem(config.ChromemConfig{})
	require.NoError(t, err)
	index := vector.NewIndex(store, keywordEmbedder{})
	kb := knowledge.NewPipeline(index, config.KnowledgeConfig{Collection: "kb"})

	ctx := context.Background()
	_, err = kb.IngestText(ctx, "runbook.md", "deploy with make release")
	require.NoError(t, err)
	_, err = kb.IngestText(ctx, "pantry.md", "coffee beans live in the cupboard")
	require.NoError(t, err)

	cfg := testPromptConfig()
	cfg.MemoryResults = 1
	b := NewBuilder(cfg, kb)

	system := b.System(ctx, promptRequest{LatestUser: "how do I deploy this"})

	assert.Contains(t, system, "Relevant memory:")
	assert.Contains(t, system, "(runbook.md)")
	assert.Contains(t, system, "deploy with make release")
	assert.NotContains(t, system, "coffee")
}

func TestMemoryBlockAbsentWithoutQuery(t *testing.T) {
	store, err := vector.NewChromem(config.ChromemConfig{})
	require.NoError(t, err)
	kb := knowledge.NewPipeline(vector.NewIndex(store, keywordEmbedder{}), config.KnowledgeConfig{Collection: "kb"})

	b := NewBuilder(testPromptConfig(), kb)
	system := b.System(context.Background(), promptRequest{Extra: "x"})

	assert.Equal(t, "x", system)
}
