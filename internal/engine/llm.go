package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/model"
)

// Planner produces a remediation plan for a detected issue. A non-nil error
// or an empty plan sends the engine to the rulebook.
type Planner interface {
	Plan(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error)
}

// paramSchema constrains the params the planner may attach per action kind.
type paramSchema struct {
	required []string
	optional []string
}

var actionParamSchemas = map[model.ActionKind]paramSchema{
	model.ActionRestartValidator: {},
	model.ActionFlushLedger:      {},
	model.ActionRotateSnapshot:   {},
	model.ActionKillProcess:      {required: []string{"process"}},
	model.ActionRunCommand:       {required: []string{"command"}},
	model.ActionAdminHTTP:        {required: []string{"path"}, optional: []string{"method", "body"}},
}

// LLMPlanner calls an OpenAI-compatible chat-completions endpoint and parses
// a strict JSON plan out of the reply. It is advisory only; every response is
// validated against the action-kind enum and parameter schemas before use.
type LLMPlanner struct {
	client      *http.Client
	apiBase     string
	model       string
	apiKey      string
	temperature float64
	logger      *zap.Logger
}

// NewLLMPlanner builds the planner from config, reading the API key from the
// environment variable the config names.
func NewLLMPlanner(cfg config.LLMConfig, logger *zap.Logger) (*LLMPlanner, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("llm enabled but %s is not set", cfg.APIKeyEnv)
	}
	return &LLMPlanner{
		client:      &http.Client{Timeout: cfg.Timeout},
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		apiKey:      key,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

const plannerSystemPrompt = `You are an SRE copilot for blockchain validators.
Given a validator's latest metrics and the detected issue, reply with ONLY a
JSON object of the form:
{"actions":[{"kind":"<kind>","params":{...}}],"rationale":"<one sentence>"}
Allowed kinds: restart_validator, flush_ledger, rotate_snapshot,
kill_process (params: process), run_command (params: command),
admin_http (params: path, optional method and body).
Prefer the least disruptive remediation. Never propose more than two actions.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type planPayload struct {
	Actions []struct {
		Kind   string            `json:"kind"`
		Params map[string]string `json:"params"`
	} `json:"actions"`
	Rationale string `json:"rationale"`
}

// Plan asks the model for a remediation plan and validates it strictly.
func (p *LLMPlanner) Plan(ctx context.Context, sample model.MetricSample, issue model.Issue) ([]ActionSpec, string, error) {
	userPayload, err := json.Marshal(map[string]any{
		"validator_id": sample.ValidatorID,
		"issue":        string(issue),
		"sample":       sample,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode planner input: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
		Temperature: p.temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, "", fmt.Errorf("malformed chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, "", fmt.Errorf("chat response has no choices")
	}

	return parsePlan(cr.Choices[0].Message.Content)
}

// parsePlan extracts and validates the JSON plan from model output, which
// may wrap the object in prose or a code fence.
func parsePlan(content string) ([]ActionSpec, string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, "", fmt.Errorf("no JSON object in plan")
	}

	var payload planPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return nil, "", fmt.Errorf("malformed plan JSON: %w", err)
	}
	if len(payload.Actions) == 0 {
		return nil, "", fmt.Errorf("plan contains no actions")
	}

	specs := make([]ActionSpec, 0, len(payload.Actions))
	for i, a := range payload.Actions {
		kind := model.ActionKind(a.Kind)
		if !model.ValidActionKind(kind) {
			return nil, "", fmt.Errorf("plan action %d has unknown kind %q", i, a.Kind)
		}
		if err := validateParams(kind, a.Params); err != nil {
			return nil, "", fmt.Errorf("plan action %d: %w", i, err)
		}
		specs = append(specs, ActionSpec{Kind: kind, Params: a.Params})
	}
	return specs, payload.Rationale, nil
}

func validateParams(kind model.ActionKind, params map[string]string) error {
	schema := actionParamSchemas[kind]
	allowed := make(map[string]bool, len(schema.required)+len(schema.optional))
	for _, k := range schema.required {
		if params[k] == "" {
			return fmt.Errorf("kind %s requires param %q", kind, k)
		}
		allowed[k] = true
	}
	for _, k := range schema.optional {
		allowed[k] = true
	}
	for k := range params {
		if !allowed[k] {
			return fmt.Errorf("kind %s does not accept param %q", kind, k)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
