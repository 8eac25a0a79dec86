package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/llms"
	"github.com/intelliclaw/gateway/pkg/session"
	"github.com/intelliclaw/gateway/pkg/utils"
)

const (
	// compactMinMessages is the floor below which a session is never
	// compacted.
	compactMinMessages = 10

	// compactMinKeep is the minimum number of recent turns kept verbatim.
	compactMinKeep = 3

	// compactThreshold triggers compaction at this share of the budget.
	compactThreshold = 0.8

	// compactTarget is the share of the budget compaction aims for.
	compactTarget = 0.6

	// compactRecentShare is how much of the target goes to verbatim
	// recent turns; the rest is the summary's token allowance.
	compactRecentShare = 0.6

	// compactEncodingModel selects the tiktoken encoding for counting.
	// The prefix map degrades it to cl100k_base.
	compactEncodingModel = "gpt-4"

	summaryPrefix = "Previous conversation summary: "
)

const summaryPromptTemplate = `Summarize this conversation so a continued session can pick it up. Preserve facts, decisions, names, and unresolved questions. Be concise.

%s

Summary:`

// CompactResult reports what one compaction pass did.
type CompactResult struct {
	SessionID    string `json:"session_id"`
	Compacted    bool   `json:"compacted"`
	Summarized   int    `json:"summarized_messages"`
	Kept         int    `json:"kept_messages"`
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
}

// SessionUsage is one row of the token-usage report.
type SessionUsage struct {
	SessionID       string `json:"session_id"`
	Agent           string `json:"agent,omitempty"`
	Messages        int    `json:"messages"`
	Tokens          int    `json:"tokens"`
	Budget          int    `json:"budget"`
	NeedsCompaction bool   `json:"needs_compaction"`
}

// Compactor folds old session turns into an LLM-written summary once the
// history outgrows its token budget, keeping the most recent turns
// verbatim.
type Compactor struct {
	sessions session.Store
	failover *llms.Failover
	budget   int

	counterOnce sync.Once
	counter     *utils.TokenCounter
}

func NewCompactor(sessions session.Store, failover *llms.Failover, cfg config.ChatConfig) *Compactor {
	budget := cfg.CompactTokenBudget
	if budget <= 0 {
		budget = 2000
	}
	return &Compactor{sessions: sessions, failover: failover, budget: budget}
}

// Compact summarizes one session when it exceeds the trigger threshold.
// Below the threshold (or the message floor) it reports Compacted=false
// and leaves the session untouched.
func (c *Compactor) Compact(ctx context.Context, sessionID, provider string) (*CompactResult, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	countable := toCountable(sess.Messages)
	before := c.countMessages(countable)
	result := &CompactResult{
		SessionID:    sessionID,
		Kept:         len(sess.Messages),
		TokensBefore: before,
		TokensAfter:  before,
	}

	if len(sess.Messages) < compactMinMessages {
		return result, nil
	}
	if float64(before) <= compactThreshold*float64(c.budget) {
		return result, nil
	}

	targetTokens := int(float64(c.budget) * compactTarget)
	recentBudget := int(float64(targetTokens) * compactRecentShare)

	keep := c.fitWithin(countable, recentBudget)
	if len(keep) < compactMinKeep {
		n := compactMinKeep
		if n > len(countable) {
			n = len(countable)
		}
		keep = countable[len(countable)-n:]
	}

	cut := len(sess.Messages) - len(keep)
	if cut <= 0 {
		return result, nil
	}

	summary, err := c.summarize(ctx, provider, sess.Messages[:cut], targetTokens-recentBudget)
	if err != nil {
		return nil, err
	}

	rebuilt := make([]session.Message, 0, len(keep)+1)
	rebuilt = append(rebuilt, session.Message{Role: llms.RoleSystem, Content: summaryPrefix + summary})
	rebuilt = append(rebuilt, sess.Messages[cut:]...)

	if err := c.replace(ctx, sessionID, sess.Agent, rebuilt); err != nil {
		return nil, fmt.Errorf("rewriting session %s: %w", sessionID, err)
	}

	result.Compacted = true
	result.Summarized = cut
	result.Kept = len(keep)
	result.TokensAfter = c.countMessages(toCountable(rebuilt))
	slog.Info("Session compacted",
		"session_id", sessionID,
		"summarized", cut,
		"kept", len(keep),
		"tokens_before", result.TokensBefore,
		"tokens_after", result.TokensAfter)
	return result, nil
}

// Usage reports the token footprint of one session.
func (c *Compactor) Usage(ctx context.Context, sessionID string) (*SessionUsage, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.usageOf(sess), nil
}

// UsageAll reports every session. Sessions that disappear between the
// listing and the read are skipped.
func (c *Compactor) UsageAll(ctx context.Context) ([]*SessionUsage, error) {
	list, err := c.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionUsage, 0, len(list))
	for _, meta := range list {
		sess, err := c.sessions.Get(ctx, meta.ID)
		if err != nil {
			continue
		}
		out = append(out, c.usageOf(sess))
	}
	return out, nil
}

func (c *Compactor) usageOf(sess *session.Session) *SessionUsage {
	tokens := c.countMessages(toCountable(sess.Messages))
	return &SessionUsage{
		SessionID: sess.ID,
		Agent:     sess.Agent,
		Messages:  len(sess.Messages),
		Tokens:    tokens,
		Budget:    c.budget,
		NeedsCompaction: len(sess.Messages) >= compactMinMessages &&
			float64(tokens) > compactThreshold*float64(c.budget),
	}
}

func (c *Compactor) summarize(ctx context.Context, provider string, msgs []session.Message, maxTokens int) (string, error) {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s]: %s\n\n", m.Role, m.Content)
	}

	res, err := c.failover.ChatComplete(ctx, provider, []llms.Message{{
		Role:    llms.RoleUser,
		Content: fmt.Sprintf(summaryPromptTemplate, strings.TrimSpace(sb.String())),
	}}, llms.Options{MaxTokens: maxTokens})
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	return strings.TrimSpace(res.Content), nil
}

// replace swaps a session's history wholesale. The store has no replace
// primitive, so this is delete + create + append.
func (c *Compactor) replace(ctx context.Context, id, agent string, msgs []session.Message) error {
	if err := c.sessions.Delete(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	if _, err := c.sessions.Create(ctx, id, agent); err != nil && !errors.Is(err, session.ErrExists) {
		return err
	}
	return c.sessions.AppendMessages(ctx, id, msgs...)
}

// tokenCounter resolves the tiktoken encoding once. Resolution can fail
// offline; counting then falls back to the character heuristic.
func (c *Compactor) tokenCounter() *utils.TokenCounter {
	c.counterOnce.Do(func() {
		tc, err := utils.NewTokenCounter(compactEncodingModel)
		if err != nil {
			slog.Warn("Token encoding unavailable, using heuristic counts", "error", err)
			return
		}
		c.counter = tc
	})
	return c.counter
}

func (c *Compactor) countMessages(msgs []utils.Message) int {
	if tc := c.tokenCounter(); tc != nil {
		return tc.CountMessages(msgs)
	}
	total := 3
	for _, m := range msgs {
		total += 3 + utils.EstimateTokens(m.Role) + utils.EstimateTokens(m.Content)
	}
	return total
}

func (c *Compactor) fitWithin(msgs []utils.Message, maxTokens int) []utils.Message {
	if tc := c.tokenCounter(); tc != nil {
		return tc.FitWithinLimit(msgs, maxTokens)
	}
	used := 3
	cutoff := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := 6 + utils.EstimateTokens(msgs[i].Role) + utils.EstimateTokens(msgs[i].Content)
		if used+cost > maxTokens {
			break
		}
		used += cost
		cutoff = i
	}
	return msgs[cutoff:]
}

func toCountable(msgs []session.Message) []utils.Message {
	out := make([]utils.Message, len(msgs))
	for i, m := range msgs {
		out[i] = utils.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
