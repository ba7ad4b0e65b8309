package tool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type BashExecuteInput struct {
	Command string `json:"command" jsonschema:"required,description=The bash command to execute"`
}

// bashTool runs a shell command in the working directory with a scrubbed
// environment. The caller's context carries the policy timeout.
func bashTool(workingDir string) Tool {
	return NewTool("bash_execute", "Execute a bash command.",
		func(ctx context.Context, input BashExecuteInput) (string, error) {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "/"
			}

			cmd := exec.CommandContext(ctx, "bash", "-c", input.Command)
			cmd.Dir = workingDir
			cmd.Env = []string{
				"PATH=/usr/local/bin:/usr/bin:/bin",
				"HOME=" + home,
				"TERM=xterm-256color",
			}

			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					return "", runErr
				}
			}

			var b strings.Builder
			b.WriteString(stdout.String())
			if stderr.Len() > 0 {
				if b.Len() > 0 {
					b.WriteString("\n\n--- STDERR ---\n")
				}
				b.WriteString(stderr.String())
			}
			fmt.Fprintf(&b, "\n\n[Exit code: %d]", exitCode)
			return b.String(), nil
		})
}
