package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strings"
	"unicode/utf16"
)

// transportCommander binds a Transport to one target.
type transportCommander struct {
	transport Transport
	target    Target
}

// NewCommander returns a Commander that runs every command on target through transport.
func NewCommander(transport Transport, target Target) Commander {
	return &transportCommander{transport: transport, target: target}
}

func (c *transportCommander) Run(ctx context.Context, command string) (*ExecResult, error) {
	return c.transport.Execute(ctx, c.target, command)
}

func (c *transportCommander) OS() OSFamily {
	return c.target.OS
}

// WriteFile uses the transport's native file writer when it has one and
// otherwise pipes the content through a base64 decode on the target.
func (c *transportCommander) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	if fw, ok := c.transport.(FileWriter); ok {
		return fw.WriteFile(ctx, c.target, path, data, mode)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	var command string
	if c.target.OS == OSWindows {
		command = fmt.Sprintf("[IO.File]::WriteAllBytes(%s, [Convert]::FromBase64String('%s'))",
			PowerShellQuote(path), encoded)
	} else {
		command = fmt.Sprintf("printf '%%s' '%s' | base64 -d > %s && chmod %o %s",
			encoded, ShellQuote(path), mode.Perm(), ShellQuote(path))
	}

	res, err := c.transport.Execute(ctx, c.target, command)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("write %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// PowerShellQuote quotes s as a PowerShell single-quoted literal.
func PowerShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// PowerShellCommand wraps script as a non-interactive powershell invocation.
// The script travels as -EncodedCommand so no outer shell quoting applies.
func PowerShellCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return "powershell -NoProfile -NonInteractive -EncodedCommand " + base64.StdEncoding.EncodeToString(buf)
}
