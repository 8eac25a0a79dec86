package server

import (
	"net/http"

	"github.com/intelliclaw/gateway/pkg/auth"
	"github.com/intelliclaw/gateway/pkg/policy"
	"github.com/intelliclaw/gateway/pkg/supervisor"
	"github.com/intelliclaw/gateway/pkg/tools"
)

// handleToolCall runs the full pipeline: kill switch, per-user tool
// allow-list, then the supervisor stages. Accepted and queued calls
// answer 200; the admin decision is what lands in the audit log.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if active, reason := s.kill.State(); active {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "gateway kill-switch is active",
			"reason": reason,
		})
		return
	}

	var payload map[string]any
	if err := readJSON(r, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	if id := auth.IdentityFromContext(r.Context()); id != nil {
		if tool, ok := payload["tool"].(string); ok && !id.ToolPermitted(tool) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"status": "tool_not_permitted",
				"tool":   tool,
			})
			return
		}
	}

	s.writeVerdict(w, s.deps.Supervisor.ProcessCall(r.Context(), payload))
}

// handleValidate dry-runs the pipeline: same verdicts, nothing queued.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := readJSON(r, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeVerdict(w, s.deps.Supervisor.ValidateCall(r.Context(), payload))
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.deps.Caps.List()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "manifest scan failed: "+err.Error())
		return
	}
	var registered []tools.ToolInfo
	if s.deps.Tools != nil {
		registered = s.deps.Tools.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grants":    s.deps.Caps.Grants(),
		"manifests": manifests,
		"tools":     registered,
	})
}

// writeVerdict maps a pipeline result onto the wire. The first
// negative stage decided the status; everything here is shaping.
func (s *Server) writeVerdict(w http.ResponseWriter, res *supervisor.Result) {
	switch res.Status {
	case supervisor.StatusValidationError:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":      res.Status,
			"error_token": res.ErrorToken,
			"feedback":    res.Feedback,
		})
	case supervisor.StatusPolicyViolation:
		writePolicyViolation(w, res.Match)
	case supervisor.StatusCapabilityDenied:
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status":              res.Status,
			"tool":                res.Tool,
			"denied_capabilities": res.Denied,
			"message":             res.Message,
		})
	case supervisor.StatusPendingApproval:
		body := map[string]any{
			"status":  res.Status,
			"tool":    res.Tool,
			"risk":    res.Risk,
			"message": res.Message,
		}
		if res.ApprovalID != 0 {
			body["id"] = res.ApprovalID
		}
		writeJSON(w, http.StatusOK, body)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  res.Status,
			"tool":    res.Tool,
			"risk":    res.Risk,
			"args":    res.Args,
			"message": res.Message,
		})
	}
}

func writePolicyViolation(w http.ResponseWriter, m *policy.Match) {
	writeJSON(w, http.StatusForbidden, map[string]any{
		"detail": map[string]any{
			"error":        "content_policy_violation",
			"matched_rule": m.Label,
			"pattern":      m.Pattern,
		},
	})
}
