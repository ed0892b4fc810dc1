package guest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	RemoteScriptPath = "/tmp/script.sh"
	RemoteOutputPath = "/tmp/script_output.log"
	noOutputMarker   = "[No output captured]"
)

// Runner executes one remote command.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
}

// Deployer copies the untrusted script into the guest and starts it detached.
type Deployer struct {
	runner Runner
	logger *slog.Logger
}

func NewDeployer(runner Runner, logger *slog.Logger) *Deployer {
	return &Deployer{runner: runner, logger: logger}
}

func (d *Deployer) Deploy(ctx context.Context, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	d.logger.Info("copying script to guest", "script", scriptPath, "remote_path", RemoteScriptPath, "bytes", len(script))
	if _, err := d.runner.Run(ctx, "cat > "+RemoteScriptPath, bytes.NewReader(script)); err != nil {
		return fmt.Errorf("copy script: %w", err)
	}

	if _, err := d.runner.Run(ctx, "chmod +x "+RemoteScriptPath, nil); err != nil {
		d.logger.Warn("failed to make script executable", "error", err)
	}

	launch := fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null &", RemoteScriptPath, RemoteOutputPath)
	if _, err := d.runner.Run(ctx, launch, nil); err != nil {
		d.logger.Warn("script execution may have failed", "error", err)
	}
	d.logger.Info("script started", "output_log", RemoteOutputPath)
	return nil
}

// Output returns whatever the script wrote so far.
func (d *Deployer) Output(ctx context.Context) (string, error) {
	cmd := fmt.Sprintf("cat %s 2>/dev/null || echo %q", RemoteOutputPath, noOutputMarker)
	out, err := d.runner.Run(ctx, cmd, nil)
	if err != nil {
		return "", fmt.Errorf("fetch script output: %w", err)
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return noOutputMarker, nil
	}
	return text, nil
}
