package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dhawalhost/scimbridge/internal/audit"
	"github.com/dhawalhost/scimbridge/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultToolPath = "powershell.exe"
	defaultTimeout  = 30 * time.Second

	// maxStreamBytes caps each of stdout and stderr per run.
	maxStreamBytes = 10 << 20
)

// Config holds the settings for running the directory tooling.
type Config struct {
	// ToolPath is the PowerShell executable, resolved via PATH when not
	// absolute. Defaults to powershell.exe.
	ToolPath string
	// Server optionally pins every cmdlet to an explicit domain controller.
	Server string
	// DefaultPassword is the initial account password set on create.
	DefaultPassword string
	// Timeout is the wall-clock limit per run. Defaults to 30 seconds.
	Timeout time.Duration
}

// Result captures one tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Object holds the parsed stdout when the tool returned a JSON object.
	Object map[string]interface{}
	// Raw holds the trimmed stdout when JSON parsing did not apply.
	Raw      string
	Duration time.Duration
}

// CommandError reports a failed invocation. Stderr carries the tool's error
// output, or a synthesized message for timeouts and oversized output, and is
// what the error classifier inspects.
type CommandError struct {
	Cmdlet   string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %s", e.Cmdlet, e.ExitCode, e.Stderr)
}

// Runner executes user lifecycle operations against Active Directory.
// Every run, successful or not, produces one audit row.
type Runner interface {
	Create(ctx context.Context, params map[string]interface{}, scimUserID string) (Result, error)
	Update(ctx context.Context, identity string, params map[string]interface{}, scimUserID string) (Result, error)
	Delete(ctx context.Context, identity, scimUserID string) (Result, error)
	Read(ctx context.Context, identity, scimUserID string) (Result, error)
}

type toolRunner struct {
	cfg     Config
	auditor audit.Service
	metrics *observability.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRunner creates a Runner that invokes the PowerShell AD cmdlets.
func NewRunner(cfg Config, auditor audit.Service, metrics *observability.Metrics, logger *zap.Logger) Runner {
	if cfg.ToolPath == "" {
		cfg.ToolPath = defaultToolPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &toolRunner{
		cfg:     cfg,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		tracer:  observability.Tracer("directory"),
	}
}

func (r *toolRunner) Create(ctx context.Context, params map[string]interface{}, scimUserID string) (Result, error) {
	script := buildCreateScript(params, r.cfg.DefaultPassword, r.cfg.Server)

	auditParams := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		auditParams[k] = v
	}
	auditParams["AccountPassword"] = r.cfg.DefaultPassword
	auditParams["ChangePasswordAtLogon"] = false

	return r.run(ctx, "New-ADUser", script, auditParams, scimUserID)
}

func (r *toolRunner) Update(ctx context.Context, identity string, params map[string]interface{}, scimUserID string) (Result, error) {
	script := buildUpdateScript(identity, params, r.cfg.Server)

	auditParams := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		auditParams[k] = v
	}
	auditParams["Identity"] = identity

	return r.run(ctx, "Set-ADUser", script, auditParams, scimUserID)
}

func (r *toolRunner) Delete(ctx context.Context, identity, scimUserID string) (Result, error) {
	script := buildDeleteScript(identity, r.cfg.Server)
	auditParams := map[string]interface{}{"Identity": identity, "Confirm": false}
	return r.run(ctx, "Remove-ADUser", script, auditParams, scimUserID)
}

func (r *toolRunner) Read(ctx context.Context, identity, scimUserID string) (Result, error) {
	script := buildReadScript(identity, r.cfg.Server)
	auditParams := map[string]interface{}{"Identity": identity, "Properties": "*"}
	return r.run(ctx, "Get-ADUser", script, auditParams, scimUserID)
}

// run executes one script. The run is detached from request cancellation so
// a client disconnect never kills an in-flight directory mutation; only the
// per-run timeout does.
func (r *toolRunner) run(ctx context.Context, cmdlet, script string, auditParams map[string]interface{}, scimUserID string) (Result, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
	defer cancel()

	runCtx, span := r.tracer.Start(runCtx, "directory."+cmdlet)
	defer span.End()

	stdout := &limitBuffer{max: maxStreamBytes}
	stderr := &limitBuffer{max: maxStreamBytes}

	cmd := exec.CommandContext(runCtx, r.cfg.ToolPath, "-NoProfile", "-NonInteractive", "-Command", script)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	var cmdErr *CommandError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		cmdErr = &CommandError{
			Cmdlet:   cmdlet,
			ExitCode: -1,
			Stderr:   fmt.Sprintf("command timed out after %s", r.cfg.Timeout),
		}
	case stdout.overflowed || stderr.overflowed:
		res.ExitCode = exitCode(runErr)
		cmdErr = &CommandError{
			Cmdlet:   cmdlet,
			ExitCode: res.ExitCode,
			Stderr:   fmt.Sprintf("command output exceeded %d bytes", maxStreamBytes),
		}
	case runErr != nil:
		res.ExitCode = exitCode(runErr)
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = runErr.Error()
		}
		cmdErr = &CommandError{Cmdlet: cmdlet, ExitCode: res.ExitCode, Stderr: msg}
	default:
		res.ExitCode = 0
		if trimmed := strings.TrimSpace(res.Stdout); trimmed != "" {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
				res.Object = obj
			} else {
				res.Raw = trimmed
			}
		}
	}

	span.SetAttributes(
		attribute.String("directory.cmdlet", cmdlet),
		attribute.Int("directory.exit_code", res.ExitCode),
	)
	outcome := "success"
	if cmdErr != nil {
		span.RecordError(cmdErr)
		outcome = "failure"
	}
	if r.metrics != nil {
		r.metrics.CommandRunsTotal.WithLabelValues(cmdlet, outcome).Inc()
		r.metrics.CommandDuration.WithLabelValues(cmdlet).Observe(duration.Seconds())
	}

	r.recordAudit(cmdlet, auditParams, res, scimUserID)

	if cmdErr != nil {
		return res, cmdErr
	}
	return res, nil
}

// recordAudit appends the invocation row on a detached goroutine. Audit is
// advisory: failures are logged, never propagated to the caller.
func (r *toolRunner) recordAudit(cmdlet string, params map[string]interface{}, res Result, scimUserID string) {
	input := audit.RecordInput{
		Cmdlet:     cmdlet,
		Parameters: RedactParams(params),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if scimUserID != "" {
		id := scimUserID
		input.ScimUserID = &id
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.auditor.Record(ctx, input); err != nil {
			r.logger.Error("Failed to write command audit row", zap.Error(err))
		}
	}()
}

func exitCode(runErr error) int {
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

var errOutputTooLarge = errors.New("output limit exceeded")

// limitBuffer is an io.Writer that stops accepting data past max bytes.
// Returning an error aborts the exec copy goroutine, which closes the pipe
// and keeps a runaway tool from exhausting memory.
type limitBuffer struct {
	buf        bytes.Buffer
	max        int
	overflowed bool
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return 0, errOutputTooLarge
	}
	if b.buf.Len()+len(p) > b.max {
		remain := b.max - b.buf.Len()
		if remain > 0 {
			b.buf.Write(p[:remain])
		}
		b.overflowed = true
		return remain, errOutputTooLarge
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitBuffer) String() string {
	return b.buf.String()
}
