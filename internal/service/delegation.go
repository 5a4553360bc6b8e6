package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/adapter/llm"
	"github.com/delegatehq/orchestrator/internal/domain"
	"github.com/delegatehq/orchestrator/internal/pricing"
)

// DelegationToolName is the tool the master agent uses to hand work to a
// specialist. Sub-agents are never given this tool; delegation is bounded to
// one level even though the data model tolerates arbitrary depth.
const DelegationToolName = "delegate_to_agent"

type delegationArgs struct {
	AgentName   string `json:"agent_name"`
	Instruction string `json:"instruction"`
}

func delegationTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        DelegationToolName,
			Description: "Delegate a sub-task to a named specialist agent and receive its result.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_name":  map[string]interface{}{"type": "string"},
					"instruction": map[string]interface{}{"type": "string"},
				},
				"required": []string{"agent_name", "instruction"},
			},
		},
	}
}

// runDelegation executes one task's chain: master turn, delegated sub-calls
// in order, follow-up turn, then close-out. It runs detached from the
// submitting request; all outcomes land in the store.
func (s *Service) runDelegation(taskID, rootSessionID string, master *domain.Agent, instruction string, caller domain.Caller) {
	ctx := context.Background()
	start := time.Now()

	messages := make([]llm.ChatMessage, 0, 4)
	if master.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: master.SystemPrompt})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: instruction})

	var rootCost float64
	var rootIn, rootOut int

	resp, err := s.callUpstream(ctx, master, messages, true)
	if err != nil {
		s.failChain(ctx, taskID, rootSessionID, master, rootCost, rootIn, rootOut, start, err)
		return
	}
	cost, in, out := s.usageOf(master.Model, resp)
	rootCost += cost
	rootIn += in
	rootOut += out

	assistant := firstMessage(resp)
	finalText := ""
	if assistant != nil {
		finalText = assistant.Content
	}

	toolCalls := delegationCalls(assistant)
	if len(toolCalls) > 0 {
		messages = append(messages, *assistant)
		for _, tc := range toolCalls {
			if s.chainCancelled(ctx, taskID, rootSessionID, rootCost, rootIn, rootOut, start) {
				return
			}
			result, err := s.runSubCall(ctx, taskID, rootSessionID, master, tc, caller)
			if err != nil {
				s.failChain(ctx, taskID, rootSessionID, master, rootCost, rootIn, rootOut, start, err)
				return
			}
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}

		if s.chainCancelled(ctx, taskID, rootSessionID, rootCost, rootIn, rootOut, start) {
			return
		}
		followUp, err := s.callUpstream(ctx, master, messages, false)
		if err != nil {
			s.failChain(ctx, taskID, rootSessionID, master, rootCost, rootIn, rootOut, start, err)
			return
		}
		cost, in, out = s.usageOf(master.Model, followUp)
		rootCost += cost
		rootIn += in
		rootOut += out
		if msg := firstMessage(followUp); msg != nil {
			finalText = msg.Content
		}
	}

	s.recordEvent(ctx, &domain.Event{
		SessionID:   rootSessionID,
		Type:        domain.EventTypeMessage,
		Content:     finalText,
		FromAgentID: master.AgentID,
	})
	s.closeSession(ctx, rootSessionID, master, domain.SessionStatusSuccess, rootCost, rootIn, rootOut, start)
	s.closeTask(ctx, taskID, rootSessionID, domain.TaskStatusCompleted)
}

// runSubCall executes one delegated tool invocation and returns the text
// handed back to the master as the tool result.
func (s *Service) runSubCall(ctx context.Context, taskID, rootSessionID string, master *domain.Agent, tc llm.ToolCall, caller domain.Caller) (string, error) {
	var args delegationArgs
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args.AgentName == "" {
		s.log.Warn("malformed delegation arguments",
			zap.String("task_id", taskID), zap.String("arguments", tc.Function.Arguments))
		return "delegation failed: malformed arguments", nil
	}

	agent, err := s.resolveAgentByName(ctx, caller, args.AgentName, "")
	if err != nil {
		return "", err
	}
	if agent.Status == domain.AgentStatusPaused {
		s.recordEvent(ctx, &domain.Event{
			SessionID:   rootSessionID,
			Type:        domain.EventTypeDelegation,
			Content:     "delegation refused: agent paused on budget",
			FromAgentID: master.AgentID,
			ToAgentID:   agent.AgentID,
		})
		return "delegation refused: agent " + agent.Name + " is paused", nil
	}

	start := time.Now()
	session := &domain.Session{
		SessionID:       "ses_" + uuid.New().String()[:8],
		TaskID:          taskID,
		AgentID:         agent.AgentID,
		ParentSessionID: rootSessionID,
		Instruction:     args.Instruction,
		Status:          domain.SessionStatusRunning,
		Model:           agent.Model,
		Type:            domain.SessionTypeDelegation,
		StartedAt:       start,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", err
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID:   rootSessionID,
		Type:        domain.EventTypeDelegation,
		Content:     args.Instruction,
		FromAgentID: master.AgentID,
		ToAgentID:   agent.AgentID,
		Metadata:    mustMarshal(map[string]string{"session_id": session.SessionID}),
	})

	messages := make([]llm.ChatMessage, 0, 2)
	if agent.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: agent.SystemPrompt})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: args.Instruction})

	resp, err := s.callUpstream(ctx, agent, messages, false)
	if err != nil {
		status := domain.SessionStatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = domain.SessionStatusTimeout
		}
		s.recordEvent(ctx, &domain.Event{
			SessionID: session.SessionID,
			Type:      domain.EventTypeTraceFailed,
			Content:   err.Error(),
		})
		s.closeSession(ctx, session.SessionID, agent, status, 0, 0, 0, start)
		return "", err
	}

	cost, in, out := s.usageOf(agent.Model, resp)
	result := ""
	if msg := firstMessage(resp); msg != nil {
		result = msg.Content
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID:   session.SessionID,
		Type:        domain.EventTypeTokenUpdate,
		FromAgentID: agent.AgentID,
		Tokens:      in,
		CostUSD:     cost,
	})
	s.recordEvent(ctx, &domain.Event{
		SessionID:   session.SessionID,
		Type:        domain.EventTypeMessage,
		Content:     result,
		FromAgentID: agent.AgentID,
		ToAgentID:   master.AgentID,
	})
	s.closeSession(ctx, session.SessionID, agent, domain.SessionStatusSuccess, cost, in, out, start)
	return result, nil
}

// callUpstream runs one chat completion with the agent's configuration,
// bounded by the configured call timeout.
func (s *Service) callUpstream(ctx context.Context, agent *domain.Agent, messages []llm.ChatMessage, withTools bool) (*llm.ChatCompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	req := &llm.ChatCompletionRequest{
		Model:    agent.Model,
		Messages: messages,
	}
	if agent.MaxTokens > 0 {
		maxTokens := agent.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if withTools {
		req.Tools = []llm.Tool{delegationTool()}
	}

	started := time.Now()
	resp, err := s.llm.CreateChatCompletion(callCtx, req)
	s.metrics.UpstreamLatency.Observe(time.Since(started).Seconds())
	return resp, err
}

// usageOf prices one upstream response.
func (s *Service) usageOf(model string, resp *llm.ChatCompletionResponse) (cost float64, in, out int) {
	if resp == nil || resp.Usage == nil {
		return 0, 0, 0
	}
	in = resp.Usage.PromptTokens
	out = resp.Usage.CompletionTokens
	cost = pricing.Cost(s.pricing.Lookup(model), in, out, 0, 0)
	return cost, in, out
}

// closeSession finalizes a session and settles its spend against budgets.
func (s *Service) closeSession(ctx context.Context, sessionID string, agent *domain.Agent, status domain.SessionStatus, cost float64, in, out int, start time.Time) {
	durationMs := time.Since(start).Milliseconds()
	if err := s.store.UpdateSessionCompleted(ctx, sessionID, status, cost, in, out, durationMs); err != nil {
		s.log.Error("failed to close session", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.metrics.SessionsCompleted.WithLabelValues(string(status)).Inc()
	if cost > 0 {
		s.metrics.SpendUSD.Add(cost)
		s.settleSpend(ctx, agent, cost)
	}
}

// settleSpend charges the agent scope and, when the agent belongs to a team,
// the team scope. Budget bookkeeping failures are logged, never propagated.
func (s *Service) settleSpend(ctx context.Context, agent *domain.Agent, cost float64) {
	if agent == nil {
		return
	}
	scopes := []domain.BudgetScope{{AgentID: agent.AgentID}}
	if agent.TeamID != "" {
		scopes = append(scopes, domain.BudgetScope{TeamID: agent.TeamID})
	}
	for _, scope := range scopes {
		check, err := s.budget.RecordSpend(ctx, scope, agent.AgentID, cost)
		if err != nil {
			s.log.Error("failed to settle spend",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
			continue
		}
		if check.ShouldPause {
			s.metrics.BudgetPauses.Inc()
		}
	}
}

// chainCancelled checks the task status at a safe point. When the caller
// cancelled, the chain closes out and true is returned.
func (s *Service) chainCancelled(ctx context.Context, taskID, rootSessionID string, cost float64, in, out int, start time.Time) bool {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return false
	}
	if task.Status != domain.TaskStatusCancelled {
		return false
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID: rootSessionID,
		Type:      domain.EventTypeTraceCancelled,
		Content:   "cancelled by caller",
	})
	master, _ := s.store.GetAgent(ctx, task.MasterAgentID)
	s.closeSession(ctx, rootSessionID, master, domain.SessionStatusFailed, cost, in, out, start)
	s.closeTask(ctx, taskID, rootSessionID, domain.TaskStatusCancelled)
	return true
}

// failChain marks the root session and the task failed. Upstream failures
// never crash the orchestrator; they land in the trace.
func (s *Service) failChain(ctx context.Context, taskID, rootSessionID string, master *domain.Agent, cost float64, in, out int, start time.Time, cause error) {
	s.log.Error("delegation chain failed",
		zap.String("task_id", taskID), zap.Error(cause))
	status := domain.SessionStatusFailed
	if errors.Is(cause, context.DeadlineExceeded) {
		status = domain.SessionStatusTimeout
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID: rootSessionID,
		Type:      domain.EventTypeTraceFailed,
		Content:   cause.Error(),
	})
	s.closeSession(ctx, rootSessionID, master, status, cost, in, out, start)
	s.closeTask(ctx, taskID, rootSessionID, domain.TaskStatusFailed)
}

// closeTask aggregates the task from its sessions. Totals are summed once
// here, not re-derived from events.
func (s *Service) closeTask(ctx context.Context, taskID, rootSessionID string, status domain.TaskStatus) {
	sessions, err := s.store.ListTaskSessions(ctx, taskID)
	if err != nil {
		s.log.Error("failed to list sessions for close", zap.String("task_id", taskID), zap.Error(err))
	}
	var totalCost float64
	var totalTokens int
	agents := make(map[string]struct{})
	for _, session := range sessions {
		totalCost += session.CostUSD
		totalTokens += session.TokensIn + session.TokensOut
		if session.AgentID != "" {
			agents[session.AgentID] = struct{}{}
		}
	}
	if err := s.store.UpdateTaskCompleted(ctx, taskID, status, totalCost, totalTokens, len(agents)); err != nil {
		s.log.Error("failed to close task", zap.String("task_id", taskID), zap.Error(err))
	}
	if status == domain.TaskStatusCompleted {
		s.recordEvent(ctx, &domain.Event{
			SessionID: rootSessionID,
			Type:      domain.EventTypeTraceCompleted,
			Metadata: mustMarshal(map[string]interface{}{
				"total_cost_usd": totalCost,
				"total_tokens":   totalTokens,
			}),
		})
	}
	s.metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
}

func firstMessage(resp *llm.ChatCompletionResponse) *llm.ChatMessage {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message
}

func delegationCalls(msg *llm.ChatMessage) []llm.ToolCall {
	if msg == nil {
		return nil
	}
	var calls []llm.ToolCall
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == DelegationToolName {
			calls = append(calls, tc)
		}
	}
	return calls
}
