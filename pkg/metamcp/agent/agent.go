// Package agent implements the Ask-Agent Orchestrator (spec §4.7, C7): a
// bounded plan/execute/report loop over an external chat model that may
// invoke upstream tools under an allow/deny policy and expose a curated
// subset of tools back into the calling session.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/metamcp/pkg/errs"
	"github.com/stacklok/metamcp/pkg/logger"
	"github.com/stacklok/metamcp/pkg/metamcp"
	"github.com/stacklok/metamcp/pkg/metamcp/aggregator"
	"github.com/stacklok/metamcp/pkg/metamcp/discovery"
	"github.com/stacklok/metamcp/pkg/metamcp/smartdiscovery"
	"github.com/stacklok/metamcp/pkg/metamcp/tokencounter"
)

const shortlistLimit = 12
const resultTruncateLen = 6000

// ChatMessage is one turn sent to a ChatProvider.
type ChatMessage struct {
	System string
	User   string
}

// TokenUsage mirrors the usage block a chat-completions API reports.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatProvider is the chat-completions port (spec §6 "Chat-completions
// port"). Implementations must request a JSON-only response format.
type ChatProvider interface {
	// Ready reports whether the provider has everything it needs (e.g. an
	// API key) to serve ChatJSON.
	Ready() bool
	// ChatJSON sends msg to model and returns the raw JSON response text.
	ChatJSON(ctx context.Context, model string, msg ChatMessage) (string, TokenUsage, error)
}

func isSynthetic(name string) bool {
	return name == smartdiscovery.FindToolName || name == smartdiscovery.AskToolName
}

// toolCandidate is one shortlisted tool handed to the planning LLM call.
type toolCandidate struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"relevanceScore"`
	Allowed     bool     `json:"allowed"`
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type planResponse struct {
	DirectAnswer string            `json:"directAnswer,omitempty"`
	ToolCalls    []toolCallRequest `json:"toolCalls,omitempty"`
	ExposeTools  []string          `json:"exposeTools,omitempty"`
	Followups    []string          `json:"followups,omitempty"`
}

// toolCallOutcome is one entry of the executed tool-call trace (spec §4.7
// step 4, §8 "PolicyDenied").
type toolCallOutcome struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type reportResponse struct {
	Answer         string   `json:"answer"`
	SuggestedTools []string `json:"suggestedTools,omitempty"`
	ExposeTools    []string `json:"exposeTools,omitempty"`
	Followups      []string `json:"followups,omitempty"`
}

// askResult is the shape returned to the caller by Ask (spec §4.7 step 7).
type askResult struct {
	Answer            string             `json:"answer"`
	ToolCallsExecuted []toolCallOutcome  `json:"toolCallsExecuted"`
	SuggestedTools    []string           `json:"suggestedTools,omitempty"`
	ExposedTools      []string           `json:"exposedTools"`
	Followups         []string           `json:"followups,omitempty"`
	Usage             map[string]any     `json:"usage,omitempty"`
	TokenUsage        []TokenUsage       `json:"tokenUsage,omitempty"`
}

const defaultSystemPrompt = "You are an MCP tool-routing assistant. Answer the user's query, optionally calling available tools, and respond with JSON only."

// Agent implements smartdiscovery.Asker, the Ask-Agent Orchestrator over a
// ChatProvider, the Discovery Index (C3), and the Namespace Aggregator (C9).
type Agent struct {
	store   metamcp.Store
	index   *discovery.Index
	dispatch func(ctx context.Context, namespaceUUID uuid.UUID, fullToolName string, arguments map[string]any) (content string, isError bool, err error)
	chat    ChatProvider
	tokens  *tokencounter.Counter
	tracker *smartdiscovery.Tracker
}

// New constructs an Agent. agg provides the upstream dispatch used by step
// 4; it is narrowed to a plain function to avoid coupling Agent to the
// aggregator.CallResult type.
func New(store metamcp.Store, index *discovery.Index, agg *aggregator.Aggregator, chat ChatProvider, tokens *tokencounter.Counter, tracker *smartdiscovery.Tracker) *Agent {
	return &Agent{
		store: store,
		index: index,
		dispatch: func(ctx context.Context, namespaceUUID uuid.UUID, fullToolName string, arguments map[string]any) (string, bool, error) {
			result, err := agg.Dispatch(ctx, namespaceUUID, fullToolName, arguments)
			if err != nil {
				return "", false, err
			}
			var sb strings.Builder
			for _, block := range result.Content {
				sb.WriteString(block.Text)
			}
			return sb.String(), result.IsError, nil
		},
		chat:    chat,
		tokens:  tokens,
		tracker: tracker,
	}
}

var _ smartdiscovery.Asker = (*Agent)(nil)

// Ask implements smartdiscovery.Asker, running the full plan/execute/report
// loop for one metamcp__ask call (spec §4.7).
func (a *Agent) Ask(ctx context.Context, namespaceUUID, sessionID string, args map[string]any) (json.RawMessage, error) {
	nsUUID, err := uuid.Parse(namespaceUUID)
	if err != nil {
		return nil, errs.NewValidationError("invalid namespace uuid", err)
	}

	cfg, err := a.store.GetNamespaceAgent(ctx, nsUUID)
	if err != nil {
		return nil, errs.NewInternalError("load namespace agent", err)
	}
	if cfg == nil || !cfg.Enabled {
		return marshalResult(askResult{Answer: "the ask agent is disabled for this namespace", ExposedTools: []string{}})
	}
	if !a.chat.Ready() {
		return marshalResult(askResult{Answer: "no API key is configured for this namespace's ask agent", ExposedTools: []string{}})
	}

	query, _ := args["query"].(string)
	if query == "" {
		return nil, errs.NewValidationError("metamcp__ask requires a string \"query\" argument", nil)
	}
	maxToolCalls := clamp(intArg(args, "maxToolCalls", cfg.ClampedMaxToolCalls()), 0, 20)
	exposeLimit := clamp(intArg(args, "exposeLimit", cfg.ClampedExposeLimit()), 0, 50)

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	// Step 1: shortlist via the Discovery Index.
	hits, err := a.index.Search(ctx, namespaceUUID, query, shortlistLimit, 0)
	if err != nil {
		return nil, errs.NewInternalError("shortlist search", err)
	}
	candidates := make([]toolCandidate, len(hits))
	for i, h := range hits {
		candidates[i] = toolCandidate{
			Name:        h.FullName,
			Description: h.Description,
			Score:       h.Score,
			Allowed:     cfg.IsAllowed(h.FullName),
		}
	}

	referencesJSON := string(cfg.References)
	if referencesJSON == "" {
		referencesJSON = "null"
	}
	candidatesJSON, _ := json.Marshal(candidates)
	planningPayload, _ := json.Marshal(map[string]any{
		"namespace":   namespaceUUID,
		"constraints": map[string]any{"maxToolCalls": maxToolCalls, "exposeLimit": exposeLimit},
		"tools":       candidates,
		"references":  cfg.References,
		"query":       query,
	})

	// Step 2: budget check (spec §4.7 step 2, §8 "Ask-Agent budget").
	total := a.tokens.Count(cfg.Model, systemPrompt) +
		a.tokens.Count(cfg.Model, string(candidatesJSON)) +
		a.tokens.Count(cfg.Model, referencesJSON) +
		a.tokens.Count(cfg.Model, query) +
		a.tokens.Count(cfg.Model, string(planningPayload))
	if total > metamcp.DocumentTokenBudget {
		return marshalResult(askResult{
			Answer:            fmt.Sprintf("the request exceeds the %d-token budget (computed %d tokens); no tool calls were made", metamcp.DocumentTokenBudget, total),
			ToolCallsExecuted: []toolCallOutcome{},
			ExposedTools:      []string{},
			Usage:             map[string]any{"tokenBudget": metamcp.DocumentTokenBudget, "computedTokens": total},
		})
	}

	// Step 3: plan.
	planRaw, planUsage, err := a.chat.ChatJSON(ctx, cfg.Model, ChatMessage{System: systemPrompt, User: string(planningPayload)})
	if err != nil {
		return nil, errs.NewUpstreamTransientError("ask-agent plan call", err)
	}
	var plan planResponse
	if err := json.Unmarshal([]byte(planRaw), &plan); err != nil {
		return nil, errs.NewInternalError("parse ask-agent plan response", err)
	}

	// Step 4: execute.
	n := len(plan.ToolCalls)
	if n > maxToolCalls {
		n = maxToolCalls
	}
	outcomes := make([]toolCallOutcome, 0, n)
	for _, call := range plan.ToolCalls[:n] {
		outcomes = append(outcomes, a.executeOne(ctx, nsUUID, cfg, call))
	}

	// Step 5: report.
	reportPayload, _ := json.Marshal(map[string]any{
		"shortlist":         candidates,
		"plan":              plan,
		"toolCallsExecuted": outcomes,
	})
	reportRaw, reportUsage, err := a.chat.ChatJSON(ctx, cfg.Model, ChatMessage{System: systemPrompt, User: string(reportPayload)})
	if err != nil {
		return nil, errs.NewUpstreamTransientError("ask-agent report call", err)
	}
	var report reportResponse
	if err := json.Unmarshal([]byte(reportRaw), &report); err != nil {
		return nil, errs.NewInternalError("parse ask-agent report response", err)
	}

	// Step 6: expose.
	exposed := a.buildExposedSet(report.ExposeTools, plan.ExposeTools, cfg, exposeLimit)
	a.tracker.Replace(sessionID, namespaceUUID, exposed)

	return marshalResult(askResult{
		Answer:            report.Answer,
		ToolCallsExecuted: outcomes,
		SuggestedTools:    report.SuggestedTools,
		ExposedTools:      exposed,
		Followups:         report.Followups,
		Usage:             map[string]any{"shortlistSize": len(candidates), "toolCallsExecuted": len(outcomes)},
		TokenUsage:        []TokenUsage{planUsage, reportUsage},
	})
}

func (a *Agent) executeOne(ctx context.Context, nsUUID uuid.UUID, cfg *metamcp.NamespaceAgent, call toolCallRequest) toolCallOutcome {
	if isSynthetic(call.Name) {
		return toolCallOutcome{Name: call.Name, OK: false, Reason: "Refusing recursive call"}
	}
	if !cfg.IsAllowed(call.Name) {
		return toolCallOutcome{Name: call.Name, OK: false, Reason: "tool is not permitted by this namespace's allow/deny policy"}
	}

	content, isError, err := a.dispatch(ctx, nsUUID, call.Name, call.Arguments)
	if err != nil {
		logger.Warnf("ask-agent: tool call %s failed: %v", call.Name, err)
		return toolCallOutcome{Name: call.Name, OK: false, Error: err.Error()}
	}
	if isError {
		return toolCallOutcome{Name: call.Name, OK: false, Error: truncate(content, resultTruncateLen)}
	}
	return toolCallOutcome{Name: call.Name, OK: true, Result: truncate(content, resultTruncateLen)}
}

// buildExposedSet implements spec §4.7 step 6: union report/plan
// exposeTools, drop synthetic and disallowed names, clamp to exposeLimit.
func (a *Agent) buildExposedSet(fromReport, fromPlan []string, cfg *metamcp.NamespaceAgent, exposeLimit int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, exposeLimit)
	add := func(names []string) {
		for _, name := range names {
			if len(out) >= exposeLimit {
				return
			}
			if _, ok := seen[name]; ok {
				continue
			}
			if isSynthetic(name) || !cfg.IsAllowed(name) {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	add(fromReport)
	add(fromPlan)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func marshalResult(r askResult) (json.RawMessage, error) {
	if r.ExposedTools == nil {
		r.ExposedTools = []string{}
	}
	if r.ToolCallsExecuted == nil {
		r.ToolCallsExecuted = []toolCallOutcome{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errs.NewInternalError("marshal ask-agent result", err)
	}
	return b, nil
}
