package chat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/knowledge"
	"github.com/intelliclaw/gateway/pkg/tools"
)

// blockSeparator joins system-prompt blocks.
const blockSeparator = "\n\n---\n\n"

// workspaceFiles are the agent identity files rendered into the
// workspace block, in order. Missing files are skipped.
var workspaceFiles = []string{"AGENT.md", "SOUL.md", "TOOLS.md"}

// Builder assembles the layered system prompt: persona, workspace
// identity, page context, caller extras, relevant memory, and the
// tool-use protocol.
type Builder struct {
	cfg       config.ChatConfig
	knowledge *knowledge.Pipeline
}

// NewBuilder returns a prompt builder. kb may be nil, which disables the
// relevant-memory block.
func NewBuilder(cfg config.ChatConfig, kb *knowledge.Pipeline) *Builder {
	return &Builder{cfg: cfg, knowledge: kb}
}

type promptRequest struct {
	Persona        string
	UseWorkspace   bool
	UsePageContext bool
	PageContext    string
	Extra          string
	LatestUser     string
	UseTools       bool
	Tools          []tools.ToolInfo
}

// System renders the combined system prompt. Empty blocks are dropped;
// an empty return means no system message should be sent.
func (b *Builder) System(ctx context.Context, req promptRequest) string {
	var blocks []string
	add := func(s string) {
		if strings.TrimSpace(s) != "" {
			blocks = append(blocks, s)
		}
	}

	if req.Persona != "" {
		if text, ok := b.cfg.Personas[req.Persona]; ok {
			add(text)
		} else {
			slog.Warn("Unknown persona requested", "persona", req.Persona)
		}
	}
	if req.UseWorkspace {
		add(b.workspaceBlock())
	}
	if req.UsePageContext {
		add(b.pageBlock(req.PageContext))
	}
	add(req.Extra)
	add(b.memoryBlock(ctx, req.LatestUser))
	if req.UseTools && len(req.Tools) > 0 {
		add(toolProtocolBlock(req.Tools))
	}

	return strings.Join(blocks, blockSeparator)
}

func (b *Builder) workspaceBlock() string {
	if b.cfg.WorkspaceDir == "" {
		return ""
	}
	var parts []string
	for _, name := range workspaceFiles {
		data, err := os.ReadFile(filepath.Join(b.cfg.WorkspaceDir, name))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) pageBlock(page string) string {
	page = strings.TrimSpace(page)
	if page == "" {
		return ""
	}
	truncated := false
	if max := b.cfg.PageContextMaxBytes; max > 0 && len(page) > max {
		page = page[:max]
		truncated = true
	}
	out := "Current page context:\n" + page
	if truncated {
		out += "\n[truncated]"
	}
	return out
}

// memoryBlock searches vector memory for snippets relevant to the latest
// user message. Lookup failures degrade to no block.
func (b *Builder) memoryBlock(ctx context.Context, query string) string {
	if b.knowledge == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	hits, err := b.knowledge.Search(ctx, query, b.cfg.MemoryResults)
	if err != nil {
		slog.Warn("Memory lookup for prompt failed", "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Relevant memory:")
	for i, hit := range hits {
		source, _ := hit.Metadata["path"].(string)
		if source == "" {
			source = "memory"
		}
		fmt.Fprintf(&sb, "\n[%d] (%s) %s", i+1, source, hit.Content)
	}
	return sb.String()
}

// toolProtocolBlock explains the text tool-call protocol and enumerates
// the available tools with their typed parameters.
func toolProtocolBlock(infos []tools.ToolInfo) string {
	var sb strings.Builder
	sb.WriteString("You can call tools. To invoke one, emit a line of the form:\n\n")
	sb.WriteString(`TOOL_CALL: {"tool": "<name>", "args": {<arguments>}}`)
	sb.WriteString("\n\nEach call goes on its own line and may appear alongside normal text. ")
	sb.WriteString("After every call you receive a TOOL_RESULT message with the outcome; ")
	sb.WriteString("use it to decide your next step. When no tool is needed, answer directly ")
	sb.WriteString("without a TOOL_CALL line.\n\nAvailable tools:\n")
	for _, info := range infos {
		sb.WriteString("- " + info.Name + ": " + info.Description + "\n")
		if params := schemaParams(info); params != "" {
			sb.WriteString("  args: " + params + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// schemaParams flattens a tool's parameter schema into one line, for
// example "cmd (string, required), timeout (integer)".
func schemaParams(info tools.ToolInfo) string {
	props, _ := info.Schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}

	required := make(map[string]bool, len(info.Required))
	for _, name := range info.Required {
		required[name] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if ps, ok := props[name].(map[string]any); ok {
			if t, ok := ps["type"].(string); ok && t != "" {
				typ = t
			}
		}
		if required[name] {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, typ))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, typ))
		}
	}
	return strings.Join(parts, ", ")
}
