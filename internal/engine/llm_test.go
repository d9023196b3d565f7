package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/model"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantKinds []model.ActionKind
		wantErr   string
	}{
		{
			name:      "clean json",
			content:   `{"actions":[{"kind":"restart_validator"}],"rationale":"lagging"}`,
			wantKinds: []model.ActionKind{model.ActionRestartValidator},
		},
		{
			name: "prose wrapped",
			content: "Sure! Based on the metrics I recommend:\n```json\n" +
				`{"actions":[{"kind":"flush_ledger"}],"rationale":"disk"}` + "\n```\nGood luck!",
			wantKinds: []model.ActionKind{model.ActionFlushLedger},
		},
		{
			name: "two actions with params",
			content: `{"actions":[{"kind":"rotate_snapshot"},` +
				`{"kind":"admin_http","params":{"path":"/admin/rpc/disable","method":"POST"}}]}`,
			wantKinds: []model.ActionKind{model.ActionRotateSnapshot, model.ActionAdminHTTP},
		},
		{
			name:    "unknown kind",
			content: `{"actions":[{"kind":"reboot_datacenter"}]}`,
			wantErr: "unknown kind",
		},
		{
			name:    "missing required param",
			content: `{"actions":[{"kind":"run_command"}]}`,
			wantErr: `requires param "command"`,
		},
		{
			name:    "unexpected param",
			content: `{"actions":[{"kind":"restart_validator","params":{"force":"true"}}]}`,
			wantErr: `does not accept param "force"`,
		},
		{
			name:    "empty action list",
			content: `{"actions":[]}`,
			wantErr: "no actions",
		},
		{
			name:    "no json at all",
			content: "I cannot help with that.",
			wantErr: "no JSON object",
		},
		{
			name:    "broken json",
			content: `{"actions":[{"kind":"restart_validator"}`,
			wantErr: "malformed plan JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, _, err := parsePlan(tt.content)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			kinds := make([]model.ActionKind, len(specs))
			for i, s := range specs {
				kinds[i] = s.Kind
			}
			assert.Equal(t, tt.wantKinds, kinds)
		})
	}
}

func testPlanner(t *testing.T, apiBase string) *LLMPlanner {
	t.Helper()
	t.Setenv("LLM_API_KEY", "test-key")
	p, err := NewLLMPlanner(config.LLMConfig{
		APIBase:   apiBase,
		Model:     "test-model",
		APIKeyEnv: "LLM_API_KEY",
		Timeout:   2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	require.NoError(t, err)
}

func TestLLMPlannerPlan(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		chatReply(t, w, `{"actions":[{"kind":"flush_ledger"}],"rationale":"disk pressure"}`)
	}))
	defer srv.Close()

	p := testPlanner(t, srv.URL)
	sample := model.MetricSample{ValidatorID: "v1", DiskUsagePct: f64p(97)}

	specs, rationale, err := p.Plan(context.Background(), sample, model.IssueHighDisk)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, model.ActionFlushLedger, specs[0].Kind)
	assert.Equal(t, "disk pressure", rationale)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Contains(t, gotReq.Messages[1].Content, "high_disk")
	assert.Contains(t, gotReq.Messages[1].Content, "v1")
}

func TestLLMPlannerNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := testPlanner(t, srv.URL)
	_, _, err := p.Plan(context.Background(), model.MetricSample{ValidatorID: "v1"}, model.IssueHighDisk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestLLMPlannerMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := testPlanner(t, srv.URL)
	_, _, err := p.Plan(context.Background(), model.MetricSample{ValidatorID: "v1"}, model.IssueHighDisk)
	assert.Error(t, err)
}

func TestLLMPlannerTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	t.Setenv("LLM_API_KEY", "test-key")
	p, err := NewLLMPlanner(config.LLMConfig{
		APIBase:   srv.URL,
		Model:     "test-model",
		APIKeyEnv: "LLM_API_KEY",
		Timeout:   100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	_, _, err = p.Plan(context.Background(), model.MetricSample{ValidatorID: "v1"}, model.IssueHighDisk)
	assert.Error(t, err)
}

func TestNewLLMPlannerRequiresKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	_, err := NewLLMPlanner(config.LLMConfig{APIKeyEnv: "LLM_API_KEY"}, zap.NewNop())
	assert.Error(t, err)
}
