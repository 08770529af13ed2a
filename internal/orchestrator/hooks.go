package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/wftest/internal/suite"
)

// runHook executes a setup or teardown hook. Relative hook directories
// resolve against suiteDir. A hook without a timeout gets defaultTimeout.
func runHook(ctx context.Context, h *suite.Hook, suiteDir string, env map[string]string, defaultTimeout time.Duration) error {
	if h == nil {
		return nil
	}
	timeout := h.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.Func != nil {
		return h.Func(ctx)
	}
	if len(h.Command) == 0 {
		return nil
	}

	dir := h.Dir
	if dir == "" {
		dir = suiteDir
	} else if !filepath.IsAbs(dir) && suiteDir != "" {
		dir = filepath.Join(suiteDir, dir)
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), env)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", strings.Join(h.Command, " "), timeout)
		}
		if detail := strings.TrimSpace(out.String()); detail != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(h.Command, " "), err, detail)
		}
		return fmt.Errorf("%s: %w", strings.Join(h.Command, " "), err)
	}
	return nil
}
