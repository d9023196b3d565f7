package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stakeops/validator-copilot/internal/config"
	"github.com/stakeops/validator-copilot/internal/model"
)

// tailLimit is how much stdout/stderr an ActionResult carries.
const tailLimit = 4096

// Executor runs remediation actions on the validator host. Callers invoke
// Execute serially; concurrent disruptive operations on one host are
// deliberately impossible.
type Executor struct {
	cfg    config.ExecutorConfig
	client *http.Client
	logger *zap.Logger
}

// NewExecutor creates an executor with the host's command mapping.
func NewExecutor(cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

// Execute runs one action to a terminal result. It never returns an error
// and never panics: handler crashes are caught and reported as Failure with
// exit code -1.
func (e *Executor) Execute(ctx context.Context, action *model.Action) (result *model.ActionResult) {
	start := time.Now()
	result = &model.ActionResult{
		ActionID:    action.ActionID,
		ValidatorID: action.ValidatorID,
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action handler panicked",
				zap.String("action_id", action.ActionID),
				zap.Any("panic", r))
			code := int32(-1)
			result.Status = model.StatusFailure
			result.ExitCode = &code
			result.Reason = fmt.Sprintf("handler panic: %v", r)
		}
		result.DurationMillis = time.Since(start).Milliseconds()
		result.CompletedAt = time.Now().Unix()
	}()

	timeout := e.cfg.DefaultTimeout
	if action.DeadlineMillis > 0 {
		timeout = time.Duration(action.DeadlineMillis) * time.Millisecond
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("Executing action",
		zap.String("action_id", action.ActionID),
		zap.String("kind", string(action.Kind)),
		zap.Duration("timeout", timeout))

	switch action.Kind {
	case model.ActionRestartValidator:
		e.runCommand(actx, result, e.cfg.RestartCommand)
	case model.ActionFlushLedger:
		e.runCommand(actx, result, e.cfg.FlushLedgerCommand)
	case model.ActionRotateSnapshot:
		e.runCommand(actx, result, e.cfg.RotateSnapshotCommand)
	case model.ActionKillProcess:
		process := action.Params["process"]
		if process == "" {
			fail(result, "missing param: process")
			return
		}
		e.runCommand(actx, result, []string{"pkill", "-TERM", "-x", process})
	case model.ActionRunCommand:
		command := action.Params["command"]
		if command == "" {
			fail(result, "missing param: command")
			return
		}
		e.runCommand(actx, result, []string{"/bin/sh", "-c", command})
	case model.ActionAdminHTTP:
		e.adminHTTP(actx, result, action.Params)
	default:
		fail(result, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
	return
}

func (e *Executor) runCommand(ctx context.Context, result *model.ActionResult, argv []string) {
	if len(argv) == 0 {
		fail(result, "no command configured for this action kind")
		return
	}

	stdout := newTailBuffer(tailLimit)
	stderr := newTailBuffer(tailLimit)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result.StdoutTail = stdout.String()
	result.StderrTail = stderr.String()

	if ctx.Err() == context.DeadlineExceeded {
		result.Status = model.StatusTimeout
		result.Reason = "deadline exceeded"
		return
	}
	if err != nil {
		result.Status = model.StatusFailure
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := int32(exitErr.ExitCode())
			result.ExitCode = &code
		} else {
			code := int32(-1)
			result.ExitCode = &code
			result.Reason = err.Error()
		}
		return
	}

	zero := int32(0)
	result.Status = model.StatusSuccess
	result.ExitCode = &zero
}

// adminHTTP calls the validator's local admin endpoint. The response body
// tail lands in stdout_tail so operators see what the endpoint said.
func (e *Executor) adminHTTP(ctx context.Context, result *model.ActionResult, params map[string]string) {
	path := params["path"]
	if path == "" {
		fail(result, "missing param: path")
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method := params["method"]
	if method == "" {
		method = http.MethodPost
	}

	url := strings.TrimRight(e.cfg.AdminBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(params["body"]))
	if err != nil {
		fail(result, fmt.Sprintf("bad admin request: %v", err))
		return
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Status = model.StatusTimeout
			result.Reason = "deadline exceeded"
			return
		}
		fail(result, fmt.Sprintf("admin request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, tailLimit))
	result.StdoutTail = string(body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := int32(resp.StatusCode)
		result.Status = model.StatusFailure
		result.ExitCode = &code
		result.Reason = fmt.Sprintf("admin endpoint returned %d", resp.StatusCode)
		return
	}
	zero := int32(0)
	result.Status = model.StatusSuccess
	result.ExitCode = &zero
}

func fail(result *model.ActionResult, reason string) {
	code := int32(-1)
	result.Status = model.StatusFailure
	result.ExitCode = &code
	result.Reason = reason
}
