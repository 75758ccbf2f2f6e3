package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/fullctl/fullctl-sub000/internal/domain"
	"github.com/fullctl/fullctl-sub000/internal/tasks"
)

// DisabledSetting turns the shell op off for a worker when present.
const DisabledSetting = "SHELL_DISABLED"

type Shell struct{}

// Cmd is read from the kwargs command, args and dir. A positional form
// ["ls", "-l"] is accepted as well.
type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

type Result struct {
	ExitCode int `json:"exit_code"`
}

// Register adds the shell op. Workers with DisabledSetting set never claim it.
func Register(reg *tasks.Registry) error {
	return reg.Register(tasks.Op{
		Name:       "shell",
		Handler:    Shell{},
		Qualifiers: []tasks.Qualifier{tasks.SettingUnset(DisabledSetting)},
	})
}

func parseCmd(p domain.Param) (Cmd, error) {
	var c Cmd
	if _, err := p.Kwarg("command", &c.Command); err != nil {
		return c, err
	}
	if _, err := p.Kwarg("args", &c.Args); err != nil {
		return c, err
	}
	if _, err := p.Kwarg("dir", &c.Dir); err != nil {
		return c, err
	}
	if c.Command == "" && len(p.Args) > 0 {
		if err := p.Arg(0, &c.Command); err != nil {
			return c, err
		}
		for i := 1; i < len(p.Args); i++ {
			var a string
			if err := p.Arg(i, &a); err != nil {
				return c, err
			}
			c.Args = append(c.Args, a)
		}
	}
	if c.Command == "" {
		return c, fmt.Errorf("command is required")
	}
	return c, nil
}

func (h Shell) Handle(ctx context.Context, p domain.Param) (any, error) {
	c, err := parseCmd(p)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		tasks.Logf(ctx, "%s", out)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("shell error: %s exited with code %d", c.Command, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("shell error: %w", err)
	}
	return Result{ExitCode: 0}, nil
}
