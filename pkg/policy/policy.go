// Package policy implements the content-rule engine applied to tool-call
// arguments and chat messages before dispatch.
//
// Rules come from three sources, evaluated in order: the
// GATEWAY_CONTENT_RULES env var (ephemeral literals), inline config
// rules, and the persisted rules file managed through the admin API.
// Reload builds a fresh immutable snapshot; readers never block writers.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Match identifies the rule that fired.
type Match struct {
	Label   string `json:"matched_rule"`
	Pattern string `json:"pattern"`
}

// RuleView is the admin-facing rule representation.
type RuleView struct {
	Label   string `json:"label"`
	Pattern string `json:"pattern"`
	Mode    string `json:"mode"`
	Source  string `json:"source"` // env, config, file
}

type compiledRule struct {
	label   string
	pattern string
	mode    string
	source  string
	re      *regexp.Regexp // literal and regex modes
	prg     cel.Program    // expr mode
}

type snapshot struct {
	version int64
	rules   []compiledRule
}

// Engine matches collected argument strings against the active rule
// snapshot. Safe for concurrent use.
type Engine struct {
	rulesFile string
	inline    []config.ContentRule
	celEnv    *cel.Env
	snap      atomic.Pointer[snapshot]
	version   atomic.Int64
}

// New builds the engine and loads the initial snapshot. A missing rules
// file is fine; a rules file that fails to parse is not.
func New(cfg config.PolicyConfig) (*Engine, error) {
	celEnv, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		rulesFile: cfg.RulesFile,
		inline:    cfg.Rules,
		celEnv:    celEnv,
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload merges env, inline, and file rules into a new snapshot.
// Individual rules that fail to compile are skipped with a warning so
// one bad persisted rule cannot disable the rest of the policy.
func (e *Engine) Reload() error {
	var rules []compiledRule

	for i, pattern := range envRules() {
		r, err := e.compile(config.ContentRule{
			Label:   fmt.Sprintf("env:%d", i),
			Pattern: pattern,
			Mode:    "literal",
		}, "env")
		if err != nil {
			slog.Warn("Skipping env content rule", "index", i, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	for _, rule := range e.inline {
		r, err := e.compile(rule, "config")
		if err != nil {
			slog.Warn("Skipping inline content rule", "label", rule.Label, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	fileRules, err := e.loadFile()
	if err != nil {
		return err
	}
	for _, rule := range fileRules {
		r, err := e.compile(rule, "file")
		if err != nil {
			slog.Warn("Skipping persisted content rule", "label", rule.Label, "error", err)
			continue
		}
		rules = append(rules, r)
	}

	e.snap.Store(&snapshot{
		version: e.version.Add(1),
		rules:   rules,
	})
	slog.Debug("Content policy reloaded", "rules", len(rules))
	return nil
}

func envRules() []string {
	raw := strings.TrimSpace(os.Getenv(config.EnvContentRules))
	if raw == "" {
		return nil
	}
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

type rulesFile struct {
	Rules []config.ContentRule `json:"rules"`
}

func (e *Engine) loadFile() ([]config.ContentRule, error) {
	if e.rulesFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(e.rulesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var f rulesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return f.Rules, nil
}

func (e *Engine) saveFile(rules []config.ContentRule) error {
	data, err := json.MarshalIndent(rulesFile{Rules: rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rules file: %w", err)
	}
	if err := os.WriteFile(e.rulesFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	return nil
}

func (e *Engine) compile(rule config.ContentRule, source string) (compiledRule, error) {
	out := compiledRule{
		label:   rule.Label,
		pattern: rule.Pattern,
		mode:    rule.Mode,
		source:  source,
	}
	if out.mode == "" {
		out.mode = "literal"
	}

	switch out.mode {
	case "literal":
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(rule.Pattern))
		if err != nil {
			return out, fmt.Errorf("invalid literal pattern: %w", err)
		}
		out.re = re

	case "regex":
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return out, fmt.Errorf("invalid regex: %w", err)
		}
		out.re = re

	case "expr":
		ast, iss := e.celEnv.Compile(rule.Pattern)
		if iss != nil && iss.Err() != nil {
			return out, fmt.Errorf("invalid expression: %w", iss.Err())
		}
		if ast.OutputType().String() != "bool" {
			return out, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
		}
		prg, err := e.celEnv.Program(ast)
		if err != nil {
			return out, fmt.Errorf("failed to build program: %w", err)
		}
		out.prg = prg

	default:
		return out, fmt.Errorf("unknown mode %q", out.mode)
	}

	return out, nil
}

// Inspect checks a tool call's arguments. First matching rule wins.
func (e *Engine) Inspect(tool string, args map[string]any) (*Match, bool) {
	texts := collectStrings(args, nil)
	return e.match(tool, args, texts)
}

// InspectText checks free text (chat messages) against the same rules.
func (e *Engine) InspectText(text string) (*Match, bool) {
	return e.match("", map[string]any{}, []string{text})
}

func (e *Engine) match(tool string, args map[string]any, texts []string) (*Match, bool) {
	snap := e.snap.Load()
	if snap == nil {
		return nil, false
	}

	for i := range snap.rules {
		rule := &snap.rules[i]
		for _, text := range texts {
			if rule.matches(tool, args, text) {
				return &Match{Label: rule.label, Pattern: rule.pattern}, true
			}
		}
	}
	return nil, false
}

func (r *compiledRule) matches(tool string, args map[string]any, text string) bool {
	switch r.mode {
	case "literal", "regex":
		return r.re.MatchString(text)
	case "expr":
		out, _, err := r.prg.Eval(map[string]any{
			"tool": tool,
			"args": args,
			"text": text,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}
	return false
}

// collectStrings gathers every string value reachable in v, depth-first.
func collectStrings(v any, acc []string) []string {
	switch val := v.(type) {
	case string:
		acc = append(acc, val)
	case map[string]any:
		for _, item := range val {
			acc = collectStrings(item, acc)
		}
	case []any:
		for _, item := range val {
			acc = collectStrings(item, acc)
		}
	}
	return acc
}

// Rules lists the active snapshot for the admin API, env and config
// rules included.
func (e *Engine) Rules() []RuleView {
	snap := e.snap.Load()
	if snap == nil {
		return []RuleView{}
	}
	out := make([]RuleView, 0, len(snap.rules))
	for _, r := range snap.rules {
		out = append(out, RuleView{Label: r.label, Pattern: r.pattern, Mode: r.mode, Source: r.source})
	}
	return out
}

// Version returns the snapshot version, bumped on every reload.
func (e *Engine) Version() int64 {
	snap := e.snap.Load()
	if snap == nil {
		return 0
	}
	return snap.version
}

// AddRule persists a new rule to the rules file and reloads. The rule
// must compile; duplicate labels are rejected.
func (e *Engine) AddRule(rule config.ContentRule) error {
	if e.rulesFile == "" {
		return fmt.Errorf("no rules file configured")
	}
	if rule.Label == "" {
		return fmt.Errorf("rule label is required")
	}
	if rule.Pattern == "" {
		return fmt.Errorf("rule pattern is required")
	}
	if _, err := e.compile(rule, "file"); err != nil {
		return err
	}

	existing, err := e.loadFile()
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Label == rule.Label {
			return fmt.Errorf("rule %q already exists", rule.Label)
		}
	}

	if err := e.saveFile(append(existing, rule)); err != nil {
		return err
	}
	return e.Reload()
}

// RemoveRule deletes a persisted rule by label and reloads. Env and
// config rules are not removable through the API.
func (e *Engine) RemoveRule(label string) error {
	if e.rulesFile == "" {
		return fmt.Errorf("no rules file configured")
	}
	existing, err := e.loadFile()
	if err != nil {
		return err
	}

	kept := existing[:0]
	found := false
	for _, r := range existing {
		if r.Label == label {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return fmt.Errorf("rule %q not found", label)
	}

	if err := e.saveFile(kept); err != nil {
		return err
	}
	return e.Reload()
}
