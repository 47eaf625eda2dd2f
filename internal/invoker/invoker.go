// Package invoker drives the external model-generation CLI under strict
// security constraints: the executable must resolve to an allow-listed
// path, prompts and model names are sanitized before any process exists,
// arguments are passed as a discrete vector (never through a shell), and
// the running process is bounded by per-chunk and overall timeouts plus a
// cumulative output ceiling.
package invoker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config holds invoker limits. AllowedPaths is consulted once, at
// construction; a path failing validation aborts startup rather than
// deferring to per-request errors.
type Config struct {
	BinaryPath     string
	AllowedPaths   []string
	DefaultModel   string
	MaxPromptBytes int
	MaxOutputBytes int
	ChunkTimeout   time.Duration
	TotalTimeout   time.Duration
	GracePeriod    time.Duration
}

// Invoker spawns the generation CLI and streams its output. Safe for
// concurrent use; each invocation owns its own process.
type Invoker struct {
	path   string // resolved, allow-listed
	cfg    Config
	logger *zap.Logger
}

// Stream is one invocation's incremental output. Tokens is closed when
// the process exits or is terminated; Err reports the outcome afterwards.
type Stream struct {
	tokens chan string
	done   chan struct{}
	err    error
}

// Tokens returns the incremental output channel.
func (s *Stream) Tokens() <-chan string { return s.tokens }

// Err reports the invocation outcome. Valid once Tokens is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.tokens)
	close(s.done)
}

// New validates the configured binary path against the allow-list and
// returns an invoker bound to the resolved path. Validation failures here
// are fatal configuration errors.
func New(cfg Config, logger *zap.Logger) (*Invoker, error) {
	resolved, err := validatePath(cfg.BinaryPath, cfg.AllowedPaths)
	if err != nil {
		return nil, err
	}
	return &Invoker{path: resolved, cfg: cfg, logger: logger}, nil
}

// validatePath resolves path through symlinks, requires the result to be
// a member of the allow-list (allow-list entries are resolved the same
// way), and requires it to exist as an executable regular file.
func validatePath(path string, allowed []string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("binary path %q is not absolute", path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("binary path %q does not resolve: %w", path, err)
	}
	ok := false
	for _, a := range allowed {
		ra, err := filepath.EvalSymlinks(a)
		if err != nil {
			continue
		}
		if ra == resolved {
			ok = true
			break
		}
	}
	if !ok {
		return "", fmt.Errorf("binary path %q (resolved %q) is not allow-listed", path, resolved)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("binary path %q: %w", resolved, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("binary path %q is not an executable file", resolved)
	}
	return resolved, nil
}

// Invoke sanitizes prompt and model, spawns the CLI and returns its token
// stream. Validation failures return before any process is spawned.
// Canceling ctx terminates the process with a bounded grace period.
func (inv *Invoker) Invoke(ctx context.Context, identity, prompt, model string) (*Stream, error) {
	cleaned, err := SanitizePrompt(prompt, inv.cfg.MaxPromptBytes)
	if err != nil {
		inv.logger.Warn("prompt rejected",
			zap.String("identity", identity),
			zap.String("prompt_prefix", truncate(prompt, 80)),
			zap.Error(err),
		)
		return nil, err
	}

	if model == "" {
		model = inv.cfg.DefaultModel
	}
	validModel, err := ValidateModel(model)
	if err != nil {
		inv.logger.Warn("model name rejected",
			zap.String("identity", identity),
			zap.String("model", truncate(model, 40)),
			zap.Error(err),
		)
		return nil, err
	}

	// Discrete argument vector; the escape pass is redundant with
	// sanitization but keeps a sanitizer bug from becoming an injection.
	args := []string{"exec", escapeArg(cleaned)}
	if validModel != "" {
		args = append(args, "--model", escapeArg(validModel))
	}

	cmd := exec.Command(inv.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		inv.logger.Error("process start failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s := &Stream{tokens: make(chan string, 64), done: make(chan struct{})}
	go inv.drainStderr(stderr)
	go inv.pump(ctx, cmd, stdout, s, identity)
	return s, nil
}

// pump reads process output line by line and forwards it to the stream,
// enforcing the per-chunk timeout, the overall deadline and the output
// ceiling. It owns process teardown and the single cmd.Wait call.
func (inv *Invoker) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, s *Stream, identity string) {
	lines := make(chan string)
	waitErr := make(chan error, 1)
	var scanErr error

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), inv.cfg.MaxOutputBytes+1)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr = scanner.Err()
		close(lines)
		waitErr <- cmd.Wait()
	}()

	overall := time.NewTimer(inv.cfg.TotalTimeout)
	defer overall.Stop()
	chunk := time.NewTimer(inv.cfg.ChunkTimeout)
	defer chunk.Stop()

	produced := 0
	for {
		select {
		case <-ctx.Done():
			inv.abort(cmd, lines, waitErr, s, identity, ErrCanceled)
			return
		case <-overall.C:
			inv.abort(cmd, lines, waitErr, s, identity, ErrOverallTimeout)
			return
		case <-chunk.C:
			inv.abort(cmd, lines, waitErr, s, identity, ErrChunkTimeout)
			return
		case line, open := <-lines:
			if !open {
				if errors.Is(scanErr, bufio.ErrTooLong) {
					// A single line overflowed the scanner. The
					// process is likely still running and must be
					// terminated, not awaited.
					inv.abort(cmd, lines, waitErr, s, identity, ErrOutputTooLarge)
					return
				}
				err := <-waitErr
				switch {
				case err != nil:
					inv.logger.Warn("process exited with failure",
						zap.String("identity", identity),
						zap.Error(err),
					)
					s.finish(fmt.Errorf("%w: %v", ErrProcessFailed, err))
				default:
					s.finish(nil)
				}
				return
			}
			produced += len(line) + 1
			if produced > inv.cfg.MaxOutputBytes {
				inv.abort(cmd, lines, waitErr, s, identity, ErrOutputTooLarge)
				return
			}
			if !chunk.Stop() {
				<-chunk.C
			}
			chunk.Reset(inv.cfg.ChunkTimeout)
			select {
			case s.tokens <- line:
			case <-ctx.Done():
				inv.abort(cmd, lines, waitErr, s, identity, ErrCanceled)
				return
			case <-overall.C:
				inv.abort(cmd, lines, waitErr, s, identity, ErrOverallTimeout)
				return
			}
		}
	}
}

// abort terminates the process: SIGTERM, a grace period, then SIGKILL.
// The reader goroutine sees the pipe close and delivers the final Wait.
func (inv *Invoker) abort(cmd *exec.Cmd, lines <-chan string, waitErr <-chan error, s *Stream, identity string, cause error) {
	inv.logger.Warn("terminating invocation",
		zap.String("identity", identity),
		zap.Error(cause),
	)
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	go func() {
		for range lines {
		}
	}()

	grace := time.NewTimer(inv.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
	}
	s.finish(cause)
}

func (inv *Invoker) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		inv.logger.Debug("process stderr", zap.String("line", scanner.Text()))
	}
}

// Path returns the resolved, allow-listed executable path.
func (inv *Invoker) Path() string { return inv.path }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
