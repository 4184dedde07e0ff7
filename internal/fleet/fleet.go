// Package fleet runs management actions (service restart, software update)
// against the remote camera hosts over SSH and keeps the last result per
// camera so the dashboard survives a hub restart.
package fleet

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/wildlifecam/camserver/internal/database"
	"github.com/wildlifecam/camserver/internal/events"
)

// Actions recorded in the run history.
const (
	ActionRestart = "restart"
	ActionUpdate  = "update"
)

// maxOutputChars caps captured stdout/stderr per run so one noisy host
// cannot bloat the history table.
const maxOutputChars = 12000

// Camera identifies one remote camera host.
type Camera struct {
	Name string `json:"name"`
	Host string `json:"host"` // user@host form accepted
}

// Config holds fleet settings.
type Config struct {
	Cameras []Camera
	// Service is the systemd unit restarted on each camera.
	Service string
	// SSHKey is an optional identity file passed to ssh.
	SSHKey string
	// Timeout bounds each remote command.
	Timeout time.Duration
	// UpdateScript is the remote path run by the update action.
	UpdateScript string
}

// Result is the structured outcome of one remote command.
type Result struct {
	Camera     string  `json:"camera"`
	Action     string  `json:"action"`
	OK         bool    `json:"ok"`
	ReturnCode int     `json:"return_code"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	Seconds    float64 `json:"seconds"`
	Cmd        string  `json:"cmd"`
}

// Publisher is the slice of the event bus the runner needs.
type Publisher interface {
	Publish(subject string, data any) error
}

// Runner executes fleet actions. The database and publisher are optional;
// nil disables persistence and event push respectively.
type Runner struct {
	cfg    Config
	db     *database.DB
	pub    Publisher
	logger *slog.Logger

	// command builds the local process for a remote invocation; replaced
	// in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a runner.
func NewRunner(cfg Config, db *database.DB, pub Publisher) *Runner {
	if cfg.Service == "" {
		cfg.Service = "camserver"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Runner{
		cfg:     cfg,
		db:      db,
		pub:     pub,
		logger:  slog.Default().With("component", "fleet"),
		command: exec.CommandContext,
	}
}

// Cameras returns the configured roster.
func (r *Runner) Cameras() []Camera {
	return r.cfg.Cameras
}

// RestartAll restarts the camera service on every host in the roster,
// sequentially, and returns one result per camera. Failures do not stop the
// sweep.
func (r *Runner) RestartAll(ctx context.Context) []Result {
	remote := fmt.Sprintf("sudo systemctl restart %s && sleep 1 && systemctl is-active %s", r.cfg.Service, r.cfg.Service)
	return r.runAll(ctx, ActionRestart, remote)
}

// RestartCamera restarts the camera service on a single named host.
func (r *Runner) RestartCamera(ctx context.Context, name string) (Result, error) {
	cam := r.findCamera(name)
	if cam == nil {
		return Result{}, fmt.Errorf("unknown camera: %s", name)
	}
	remote := fmt.Sprintf("sudo systemctl restart %s && sleep 1 && systemctl is-active %s", r.cfg.Service, r.cfg.Service)
	return r.run(ctx, ActionRestart, *cam, remote), nil
}

// UpdateAll runs the update script on every host in the roster.
func (r *Runner) UpdateAll(ctx context.Context) ([]Result, error) {
	if r.cfg.UpdateScript == "" {
		return nil, fmt.Errorf("no update script configured")
	}
	return r.runAll(ctx, ActionUpdate, fmt.Sprintf("sudo %s", r.cfg.UpdateScript)), nil
}

// LastRuns returns the persisted most-recent result per camera for an action.
func (r *Runner) LastRuns(ctx context.Context, action string) ([]database.FleetRun, error) {
	if r.db == nil {
		return nil, nil
	}
	return r.db.LastFleetRuns(ctx, action)
}

func (r *Runner) findCamera(name string) *Camera {
	for i := range r.cfg.Cameras {
		if r.cfg.Cameras[i].Name == name {
			return &r.cfg.Cameras[i]
		}
	}
	return nil
}

func (r *Runner) runAll(ctx context.Context, action, remote string) []Result {
	results := make([]Result, 0, len(r.cfg.Cameras))
	for _, cam := range r.cfg.Cameras {
		results = append(results, r.run(ctx, action, cam, remote))
	}
	return results
}

// run executes one remote command and records its outcome. A non-zero exit,
// a timeout and an unreachable host all produce a result rather than an
// error; the sweep must always report every camera.
func (r *Runner) run(ctx context.Context, action string, cam Camera, remote string) Result {
	args := r.sshArgs(cam.Host, remote)
	cmdLine := "ssh " + strings.Join(args[:len(args)-1], " ") + " '" + remote + "'"

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, "ssh", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Camera:     cam.Name,
		Action:     action,
		OK:         err == nil,
		Stdout:     capOutput(stdout.String()),
		Stderr:     capOutput(stderr.String()),
		Seconds:    elapsed.Seconds(),
		Cmd:        cmdLine,
	}

	switch {
	case err == nil:
		result.ReturnCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		result.ReturnCode = -1
		result.Stderr = capOutput(result.Stderr + fmt.Sprintf("\ncommand timed out after %s", r.cfg.Timeout))
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			result.ReturnCode = -1
			result.Stderr = capOutput(result.Stderr + "\n" + err.Error())
		}
	}

	r.logger.Info("Fleet action completed",
		"action", action, "camera", cam.Name, "ok", result.OK,
		"return_code", result.ReturnCode, "seconds", result.Seconds)

	r.persist(result)
	r.publish(result)

	return result
}

// sshArgs builds the ssh invocation. BatchMode stops a misconfigured host
// from hanging the sweep on a password prompt.
func (r *Runner) sshArgs(host, remote string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
	}
	if r.cfg.SSHKey != "" {
		args = append(args, "-i", r.cfg.SSHKey)
	}
	return append(args, host, remote)
}

func (r *Runner) persist(result Result) {
	if r.db == nil {
		return
	}
	run := &database.FleetRun{
		Action:     result.Action,
		Camera:     result.Camera,
		OK:         result.OK,
		ReturnCode: result.ReturnCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Seconds:    result.Seconds,
		Cmd:        result.Cmd,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.InsertFleetRun(ctx, run); err != nil {
		r.logger.Warn("Failed to persist fleet run", "error", err)
	}
}

func (r *Runner) publish(result Result) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(events.SubjectFleetAction, result); err != nil {
		r.logger.Warn("Failed to publish fleet result", "error", err)
	}
}

func capOutput(s string) string {
	if len(s) > maxOutputChars {
		return s[:maxOutputChars]
	}
	return s
}
