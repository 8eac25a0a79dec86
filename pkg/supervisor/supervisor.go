// Package supervisor converts an untrusted tool call into a verdict:
// validation_error, policy_violation, capability_denied,
// pending_approval, or accepted. Stages run in a fixed order and the
// first negative verdict short-circuits the rest.
package supervisor

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/intelliclaw/gateway/pkg/approval"
	"github.com/intelliclaw/gateway/pkg/capability"
	"github.com/intelliclaw/gateway/pkg/observability"
	"github.com/intelliclaw/gateway/pkg/policy"
)

//go:embed toolcall_schema.json
var schemaFS embed.FS

// Statuses returned by ProcessCall.
const (
	StatusValidationError  = "validation_error"
	StatusPolicyViolation  = "policy_violation"
	StatusCapabilityDenied = "capability_denied"
	StatusPendingApproval  = "pending_approval"
	StatusAccepted         = "accepted"
)

// Feedback explains a schema validation failure.
type Feedback struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Token     string `json:"token"`
}

// Result is the pipeline verdict. Fields beyond Status are populated
// per outcome; Args always holds the sanitised copy once the call has
// passed validation.
type Result struct {
	Status     string
	Tool       string
	Args       map[string]any
	Risk       string
	Message    string
	ApprovalID int64
	ErrorToken string
	Feedback   *Feedback
	Denied     []string
	Match      *policy.Match
}

// Supervisor wires the validation, policy, capability, and approval
// stages together.
type Supervisor struct {
	policy  *policy.Engine
	caps    *capability.Registry
	queue   *approval.Queue
	metrics observability.Metrics

	schemaDir string
	topSchema *jsonschema.Schema

	mu          sync.Mutex
	schemaCache map[string]*jsonschema.Schema

	// OnValidationError feeds the alert monitor's error-rate window.
	// Optional.
	OnValidationError func()
}

var englishPrinter = message.NewPrinter(language.English)

// New builds a supervisor. schemaDir may be empty to disable per-tool
// schema validation.
func New(pol *policy.Engine, caps *capability.Registry, queue *approval.Queue, schemaDir string, metrics observability.Metrics) (*Supervisor, error) {
	raw, err := schemaFS.ReadFile("toolcall_schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schema: %w", err)
	}
	top, err := compileSchema("gateway://schemas/toolcall.json", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compile tool-call schema: %w", err)
	}

	return &Supervisor{
		policy:      pol,
		caps:        caps,
		queue:       queue,
		metrics:     metrics,
		schemaDir:   schemaDir,
		topSchema:   top,
		schemaCache: make(map[string]*jsonschema.Schema),
	}, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ProcessCall runs the full pipeline over an untrusted payload.
func (s *Supervisor) ProcessCall(ctx context.Context, payload map[string]any) *Result {
	start := time.Now()
	res := s.process(payload, true)
	if s.metrics != nil {
		s.metrics.RecordToolCall(ctx, res.Tool, res.Status, time.Since(start), nil)
	}
	return res
}

// ValidateCall is the dry-run variant: every stage runs but nothing is
// queued, so a pending_approval verdict carries no id. Tool-call
// metrics are not recorded; validation failures still count.
func (s *Supervisor) ValidateCall(ctx context.Context, payload map[string]any) *Result {
	return s.process(payload, false)
}

func (s *Supervisor) process(payload map[string]any, enqueue bool) *Result {
	// Stage 1: top-level shape.
	if res := s.validateTopLevel(payload); res != nil {
		return res
	}

	tool := payload["tool"].(string)
	args, _ := payload["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	// Stage 2: per-tool args schema.
	if res := s.validateToolArgs(payload, tool, args); res != nil {
		return res
	}

	// Stage 3: content policy.
	if match, hit := s.policy.Inspect(tool, args); hit {
		return &Result{Status: StatusPolicyViolation, Tool: tool, Match: match}
	}

	// Stage 4: capabilities.
	if allowed, denied := s.caps.Check(tool, args); !allowed {
		return &Result{
			Status:  StatusCapabilityDenied,
			Tool:    tool,
			Denied:  denied,
			Message: "missing required capabilities",
		}
	}

	// Stages 5-6: sanitise, then score.
	sanitised := Sanitize(args)
	risk := ScoreRisk(tool, args)

	// Stage 7: approval routing. A manifest's requires_approval is
	// authoritative; without one only high risk queues.
	needsApproval := risk == RiskHigh
	if m, ok := s.caps.Get(tool); ok {
		needsApproval = m.RequiresApproval
	}

	if needsApproval {
		res := &Result{
			Status:  StatusPendingApproval,
			Tool:    tool,
			Args:    sanitised,
			Risk:    risk,
			Message: "queued for approval",
		}
		if !enqueue {
			res.Message = "would queue for approval"
			return res
		}
		req := s.queue.Submit(map[string]any{"tool": tool, "args": sanitised}, risk)
		res.ApprovalID = req.ID
		return res
	}

	return &Result{
		Status:  StatusAccepted,
		Tool:    tool,
		Args:    sanitised,
		Risk:    risk,
		Message: "tool call accepted",
	}
}

func (s *Supervisor) validateTopLevel(payload map[string]any) *Result {
	err := s.topSchema.Validate(payload)
	if err == nil {
		if _, ok := payload["tool"].(string); ok {
			return nil
		}
		err = errors.New("tool must be a string")
	}
	return s.validationFailure(payload, err)
}

func (s *Supervisor) validateToolArgs(payload map[string]any, tool string, args map[string]any) *Result {
	sch := s.toolSchema(tool)
	if sch == nil {
		return nil
	}
	if err := sch.Validate(args); err != nil {
		return s.validationFailure(payload, err)
	}
	return nil
}

func (s *Supervisor) validationFailure(payload map[string]any, err error) *Result {
	msg, path := describeValidation(err)
	token := errorToken(payload, msg)

	if s.metrics != nil {
		s.metrics.RecordValidationError(context.Background())
	}
	if s.OnValidationError != nil {
		s.OnValidationError()
	}

	return &Result{
		Status:     StatusValidationError,
		ErrorToken: token,
		Feedback: &Feedback{
			ErrorCode: "schema_validation_failed",
			Message:   msg,
			Path:      path,
			Token:     token,
		},
	}
}

// describeValidation reduces a jsonschema error tree to the first leaf
// cause: a stable message plus a JSON-pointer path.
func describeValidation(err error) (string, string) {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error(), "/"
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := "/" + strings.Join(leaf.InstanceLocation, "/")
	return leaf.ErrorKind.LocalizedString(englishPrinter), path
}

// errorToken derives a deterministic token from the canonical payload
// and the failure message so clients can dedupe retries.
func errorToken(payload map[string]any, message string) string {
	canonical, err := json.Marshal(payload)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(append(canonical, []byte(message)...))
	return hex.EncodeToString(sum[:])[:16]
}

// toolSchema loads and caches the per-tool args schema, resolving the
// tool id to a file path with "." mapped to "/". Missing or malformed
// schemas disable the stage for that tool.
func (s *Supervisor) toolSchema(tool string) *jsonschema.Schema {
	if s.schemaDir == "" || !safeToolID(tool) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.schemaCache[tool]; ok {
		return sch
	}

	var sch *jsonschema.Schema
	rel := filepath.FromSlash(strings.ReplaceAll(tool, ".", "/")) + ".json"
	raw, err := os.ReadFile(filepath.Join(s.schemaDir, rel))
	if err == nil {
		compiled, cerr := compileSchema("gateway://schemas/tools/"+tool+".json", raw)
		if cerr == nil {
			sch = compiled
		}
	}
	s.schemaCache[tool] = sch
	return sch
}

// ReloadSchemas drops the compiled per-tool schema cache.
func (s *Supervisor) ReloadSchemas() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaCache = make(map[string]*jsonschema.Schema)
}

func safeToolID(tool string) bool {
	if tool == "" || strings.Contains(tool, "..") {
		return false
	}
	return !strings.ContainsAny(tool, `/\`)
}
