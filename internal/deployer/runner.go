// Package deployer contains the deployment execution engine: the Runner,
// which supervises one child process and its log ring, and the Scheduler,
// which enforces one-running-deployment-per-service and drains each
// service's queue in order.
package deployer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// stopGrace is how long Stop waits after a graceful terminate before
// force-killing the child.
const stopGrace = 5 * time.Second

// spawnFailureExitCode is recorded when the child could not be started at all.
const spawnFailureExitCode = -1

// Runner supervises a single deployment: it spawns the child process, reads
// both output streams concurrently into the ring, and persists the result
// when the child exits. One Runner instance exists per live deployment and
// is discarded afterwards.
type Runner struct {
	deploymentID uint
	service      db.Service // snapshot taken at launch time
	command      string
	triggeredBy  string

	deployments repositories.DeploymentRepository
	ring        *Ring
	logger      *zap.Logger

	mu   sync.Mutex
	proc *os.Process
	done chan struct{}
}

// NewRunner creates a Runner for one deployment. service is copied: the
// runner must not observe configuration changes mid-flight.
func NewRunner(deploymentID uint, service db.Service, command, triggeredBy string, deployments repositories.DeploymentRepository, logger *zap.Logger) *Runner {
	return &Runner{
		deploymentID: deploymentID,
		service:      service,
		command:      command,
		triggeredBy:  triggeredBy,
		deployments:  deployments,
		ring:         NewRing(),
		logger: logger.Named("runner").With(
			zap.Uint("deployment_id", deploymentID),
			zap.String("service", service.Name),
		),
		done: make(chan struct{}),
	}
}

// Ring returns the runner's log ring for subscribers. Safe to call while the
// deployment is executing.
func (r *Runner) Ring() *Ring {
	return r.ring
}

// Run executes the deployment to completion and returns the child's exit
// code (-1 for spawn failures). It blocks for the lifetime of the child;
// the scheduler calls it on its own goroutine. The deployment row is in
// state running when Run is entered and is terminal when Run returns.
func (r *Runner) Run(ctx context.Context) int {
	defer close(r.done)

	start := time.Now()
	r.ring.Append(StreamStdout, fmt.Sprintf(
		"[DEPLOY START] Service: %s, Command: %s, triggered by %s",
		r.service.Name, r.command, r.triggeredBy,
	))
	r.logger.Info("deployment started", zap.String("command", r.command))

	cmd := buildShellCmd(r.command)
	cmd.Dir = r.service.Path
	// Best-effort hint so interpreter children flush line by line;
	// non-interpreters ignore it.
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.failSpawn(start, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.failSpawn(start, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return r.failSpawn(start, err)
	}

	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()

	if err := r.deployments.MarkSpawned(ctx, r.deploymentID, start.UTC()); err != nil {
		r.logger.Warn("failed to record spawn time", zap.Error(err))
	}

	// One reader per stream. Each drains to EOF, which arrives when the
	// child exits and the pipe closes; both must finish before cmd.Wait
	// because Wait closes the pipes.
	var wg sync.WaitGroup
	wg.Add(2)
	go r.readStream(&wg, stdout, StreamStdout)
	go r.readStream(&wg, stderr, StreamStderr)
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = spawnFailureExitCode
			r.ring.Append(StreamStderr, fmt.Sprintf("[ERROR] Wait failed: %v", err))
		}
	}

	status := db.StatusSuccess
	if exitCode != 0 {
		status = db.StatusFailed
	}

	r.ring.Append(StreamStdout, fmt.Sprintf(
		"[DEPLOY END] Status: %s, Exit Code: %d, Duration: %.1fs",
		strings.ToUpper(status), exitCode, time.Since(start).Seconds(),
	))

	r.finalize(status, exitCode)
	r.logger.Info("deployment finished",
		zap.String("status", status),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", time.Since(start)),
	)
	return exitCode
}

// readStream reads one child stream line by line into the ring. A read error
// stops this reader with a synthetic [ERROR] line; the other reader and the
// child wait proceed unaffected.
func (r *Runner) readStream(wg *sync.WaitGroup, stream io.Reader, name Stream) {
	defer wg.Done()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.ring.Append(name, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if err != io.EOF {
				r.ring.Append(name, fmt.Sprintf("[ERROR] Stream read error: %v", err))
			}
			return
		}
	}
}

// failSpawn records a deployment that never produced a child process.
func (r *Runner) failSpawn(start time.Time, err error) int {
	r.ring.Append(StreamStderr, fmt.Sprintf("[ERROR] Failed to start command: %v", err))
	r.ring.Append(StreamStdout, fmt.Sprintf(
		"[DEPLOY END] Status: FAILED, Exit Code: %d, Duration: %.1fs",
		spawnFailureExitCode, time.Since(start).Seconds(),
	))
	r.logger.Error("failed to spawn deploy command", zap.Error(err))
	r.finalize(db.StatusFailed, spawnFailureExitCode)
	return spawnFailureExitCode
}

// finalize sorts the ring, splits it into per-stream blobs, and writes the
// terminal row. A fresh short-lived context is used: finalization must
// happen even when the surrounding request or server context is gone.
func (r *Runner) finalize(status string, exitCode int) {
	lines := r.ring.Snapshot()
	SortByTime(lines)

	var stdoutBuf, stderrBuf strings.Builder
	for _, line := range lines {
		switch line.Stream {
		case StreamStderr:
			stderrBuf.WriteString(line.Text)
			stderrBuf.WriteByte('\n')
		default:
			stdoutBuf.WriteString(line.Text)
			stdoutBuf.WriteByte('\n')
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.deployments.Finalize(ctx, r.deploymentID, status, time.Now().UTC(), exitCode,
		stdoutBuf.String(), stderrBuf.String())
	if err != nil {
		r.logger.Error("failed to finalize deployment", zap.Error(err))
	}
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// grace period. Safe to call from any goroutine, including when the child
// has already exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return
	}

	select {
	case <-r.done:
		return
	default:
	}

	if err := terminate(proc); err != nil {
		r.logger.Debug("terminate signal failed", zap.Error(err))
	}

	select {
	case <-r.done:
	case <-time.After(stopGrace):
		r.logger.Warn("child did not exit in time, killing")
		_ = proc.Kill()
	}
}

// buildShellCmd wraps the command string in the platform shell so pipes,
// redirects, and shell builtins work as users expect from a shell command
// configuration field.
func buildShellCmd(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("/bin/sh", "-c", command)
}

// terminate sends the platform's graceful stop signal.
func terminate(proc *os.Process) error {
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}
