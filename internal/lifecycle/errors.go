package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/grimoire-sh/grimoire/internal/spell"
)

// ActivationError wraps a failed spell activation with a remediation hint.
// The hint is surfaced verbatim to the calling LLM so it can relay an
// actionable next step to the user.
type ActivationError struct {
	// Spell is the spell that failed to activate.
	Spell string

	// Fix is a short human-actionable remediation hint.
	Fix string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ActivationError) Error() string {
	return fmt.Sprintf("lifecycle: activate spell %q: %v (fix: %s)", e.Spell, e.Err, e.Fix)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *ActivationError) Unwrap() error { return e.Err }

// newActivationError classifies err and wraps it with a remediation hint.
func newActivationError(cfg *spell.Config, err error) *ActivationError {
	return &ActivationError{
		Spell: cfg.Name,
		Fix:   classifyFix(cfg, err),
		Err:   err,
	}
}

// classifyFix maps common failure shapes to remediation hints. Unrecognised
// errors fall back to a transport-appropriate generic hint.
func classifyFix(cfg *spell.Config, err error) string {
	msg := err.Error()

	switch {
	// exec.ErrNotFound covers bare PATH lookups; a path-qualified command
	// surfaces as a *fs.PathError wrapping ENOENT instead.
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
		if cfg.Server.Stdio != nil {
			return fmt.Sprintf("command %q not found; install it or fix the spell's command path", cfg.Server.Stdio.Command)
		}
		return "command not found; install it or fix the spell's command path"

	case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES):
		return "permission denied; check the executable bit and file ownership"

	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused; verify the server is running and the url is correct"

	case errors.Is(err, syscall.EADDRINUSE):
		return "address already in use; another process holds the server's port"

	case strings.Contains(msg, "Cannot find module"):
		return "node module missing; run the spell server's package install step"

	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
		return "server did not respond in time; it may be slow to start or unreachable"
	}

	switch cfg.Server.Kind() {
	case spell.TransportStdio:
		return "verify the command, arguments and environment in the spell file"
	case spell.TransportSSE, spell.TransportHTTP:
		return "verify the url and authentication in the spell file"
	}
	return "check the spell configuration"
}
