// Package preflight verifies the environment before a batch starts: free
// disk, a writable work directory, input files and reachable stores.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrPreflight is wrapped by every pre-flight failure
var ErrPreflight = errors.New("pre-flight checks failed")

// PingFunc reports whether a dependency is reachable
type PingFunc func(ctx context.Context) error

// Check is the result of one pre-flight check
type Check struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report lists every check that ran
type Report struct {
	Checks []Check `json:"checks"`
}

// Passed reports whether every check passed
func (r *Report) Passed() bool {
	return len(r.Failed()) == 0
}

// Failed returns the checks that did not pass
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// Options configures the checks
type Options struct {
	WorkDir       string
	MinFreeBytes  uint64
	RetryAttempts int
	RetryDelay    time.Duration
}

type dependency struct {
	name string
	ping PingFunc
}

// Checker runs the pre-flight checks
type Checker struct {
	opts      Options
	logger    *zap.Logger
	freeSpace func(path string) (uint64, error)
	files     []string
	deps      []dependency
}

// New creates a checker
func New(opts Options, logger *zap.Logger) *Checker {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	return &Checker{opts: opts, logger: logger, freeSpace: FreeBytes}
}

// WithFreeSpace replaces the disk space lookup
func (c *Checker) WithFreeSpace(fn func(path string) (uint64, error)) *Checker {
	c.freeSpace = fn
	return c
}

// RequireFiles adds input files that must exist and be readable
func (c *Checker) RequireFiles(paths ...string) *Checker {
	c.files = append(c.files, paths...)
	return c
}

// RequireReachable adds a dependency that must answer ping
func (c *Checker) RequireReachable(name string, ping PingFunc) *Checker {
	c.deps = append(c.deps, dependency{name: name, ping: ping})
	return c
}

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Run executes every check and returns the report. The error wraps
// ErrPreflight when any check failed.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	report.Checks = append(report.Checks, c.checkWorkDir(), c.checkDisk())
	for _, path := range c.files {
		report.Checks = append(report.Checks, checkFile(path))
	}
	for _, dep := range c.deps {
		report.Checks = append(report.Checks, c.checkReachable(ctx, dep))
	}

	for _, check := range report.Checks {
		if check.OK {
			c.logger.Debug("Pre-flight check passed",
				zap.String("check", check.Name),
				zap.String("detail", check.Detail))
		} else {
			c.logger.Error("Pre-flight check failed",
				zap.String("check", check.Name),
				zap.String("detail", check.Detail),
				zap.Int("attempts", check.Attempts))
		}
	}

	failed := report.Failed()
	if len(failed) == 0 {
		return report, nil
	}
	reasons := make([]string, len(failed))
	for i, f := range failed {
		reasons[i] = f.Name + ": " + f.Detail
	}
	return report, fmt.Errorf("%w: %s", ErrPreflight, strings.Join(reasons, "; "))
}

func (c *Checker) checkWorkDir() Check {
	start := time.Now()
	check := Check{Name: "work_dir"}
	if err := os.MkdirAll(c.opts.WorkDir, 0o755); err != nil {
		check.Detail = err.Error()
		check.Duration = time.Since(start)
		return check
	}
	f, err := os.CreateTemp(c.opts.WorkDir, ".preflight-*")
	if err != nil {
		check.Detail = fmt.Sprintf("%s is not writable: %v", c.opts.WorkDir, err)
		check.Duration = time.Since(start)
		return check
	}
	f.Close()
	os.Remove(f.Name())
	check.OK = true
	check.Detail = c.opts.WorkDir
	check.Duration = time.Since(start)
	return check
}

func (c *Checker) checkDisk() Check {
	start := time.Now()
	check := Check{Name: "disk_space"}
	free, err := c.freeSpace(c.opts.WorkDir)
	check.Duration = time.Since(start)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	check.Detail = fmt.Sprintf("%d MiB free, %d MiB required", free>>20, c.opts.MinFreeBytes>>20)
	check.OK = free >= c.opts.MinFreeBytes
	return check
}

func checkFile(path string) Check {
	start := time.Now()
	check := Check{Name: "input:" + filepath.Base(path)}
	f, err := os.Open(path)
	check.Duration = time.Since(start)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	if info.IsDir() {
		check.Detail = path + " is a directory"
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%s (%d bytes)", path, info.Size())
	return check
}

func (c *Checker) checkReachable(ctx context.Context, dep dependency) Check {
	start := time.Now()
	check := Check{Name: "reachable:" + dep.name}

	attempts := c.opts.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryDelay
	policy.Reset()

	err := backoff.RetryNotify(func() error {
		check.Attempts++
		return dep.ping(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts)), ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("Dependency not reachable, retrying",
				zap.String("dependency", dep.name),
				zap.Error(err),
				zap.Duration("wait", wait))
		})

	check.Duration = time.Since(start)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	check.OK = true
	check.Detail = "reachable"
	return check
}
