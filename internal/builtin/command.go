package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"upkeep/internal/engine"
	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// maxOutput caps captured stdout/stderr per stream.
const maxOutput = 64 << 10

// CommandResult is the return value of the command handler.
type CommandResult struct {
	Argv     []string `json:"argv"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

type commandHandler struct{ log logx.Logger }

// Run executes kwargs.cmd (split shell-style) or the string args as argv.
// The process runs in its own group and the whole group is killed when the
// execution context ends.
func (h commandHandler) Run(ctx context.Context, inv job.Invocation) (any, error) {
	argv, err := commandArgv(inv)
	if err != nil {
		return nil, engine.NoRetry(err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir, ok := inv.Kwargs["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := inv.Kwargs["env"].(map[string]any); ok {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	stdout := &cappedBuffer{max: maxOutput}
	stderr := &cappedBuffer{max: maxOutput}
	cmd.Stdout, cmd.Stderr = stdout, stderr
	killGroup(cmd)
	// Pipes held open by grandchildren must not block Wait forever.
	cmd.WaitDelay = 2 * time.Second

	h.log.Debug("command starting", logx.String("job_id", inv.JobID), logx.Strings("argv", argv))
	err = cmd.Run()
	res := CommandResult{
		Argv:     argv,
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, lastLine(res.Stderr))
		}
		// Not found, permission denied: retrying cannot help.
		return res, engine.NoRetry(err)
	}
	return res, nil
}

func commandArgv(inv job.Invocation) ([]string, error) {
	if raw, ok := inv.Kwargs["cmd"].(string); ok && strings.TrimSpace(raw) != "" {
		argv, err := shellquote.Split(raw)
		if err != nil {
			return nil, fmt.Errorf("parse cmd: %w", err)
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	argv := make([]string, 0, len(inv.Args))
	for _, a := range inv.Args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("command args must be strings, got %T", a)
		}
		argv = append(argv, s)
	}
	if len(argv) == 0 {
		return nil, errors.New("command requires kwargs.cmd or args")
	}
	return argv, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[truncated]"
	}
	return b.buf.String()
}
