package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// FileParams are the params of the file module.
type FileParams struct {
	Path    string `json:"path" validate:"required,startswith=/"`
	Content string `json:"content"`
	Mode    string `json:"mode" validate:"omitempty,len=4,numeric"`
	State   string `json:"state" validate:"omitempty,oneof=present absent"`
}

func (p *FileParams) absent() bool { return p.State == "absent" }

func (p *FileParams) mode() string {
	if p.Mode == "" {
		return "0644"
	}
	return p.Mode
}

func (p *FileParams) fileMode() (fs.FileMode, error) {
	m, err := strconv.ParseUint(p.mode(), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", p.Mode, err)
	}
	return fs.FileMode(m), nil
}

// target is the "sha256:<prefix> <mode>" summary of the desired content.
func (p *FileParams) target() string {
	return fmt.Sprintf("sha256:%s %s", shortDigest(contentDigest([]byte(p.Content))), p.mode())
}

// FileHandler manages whole-file content on unix targets.
type FileHandler struct{}

// Verify implements engine.Handler. It compares checksums, never content.
func (h *FileHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p FileParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	path := sh(p.Path)
	res, v := probe(ctx, cmd, fmt.Sprintf(
		`if [ -e %s ]; then (sha256sum %s 2>/dev/null || shasum -a 256 %s) | cut -d' ' -f1; stat -c %%a %s 2>/dev/null || stat -f %%Lp %s; else echo absent; fi`,
		path, path, path, path, path))
	if v != nil {
		return *v
	}
	if !res.OK() {
		return engine.Indeterminate(exitError("stat", res).Error())
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 1 && fields[0] == "absent" {
		if p.absent() {
			return engine.Satisfied("absent")
		}
		return engine.Unsatisfied("absent", "file not present")
	}
	if len(fields) < 2 {
		return engine.Indeterminate(fmt.Sprintf("unrecognised probe output %q", res.Stdout))
	}
	if p.absent() {
		return engine.Unsatisfied("present", "file exists")
	}

	current := fmt.Sprintf("sha256:%s %s", shortDigest(fields[0]), padMode(fields[1]))
	return judge(spec, current, p.target(), res)
}

// Apply implements engine.Handler.
func (h *FileHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p FileParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	if p.absent() {
		res, err := run(ctx, cmd, "rm -f "+sh(p.Path))
		if err != nil {
			return &engine.ApplyResult{Output: res.Combined()}, err
		}
		return &engine.ApplyResult{
			Output:  "removed " + p.Path,
			Changes: []engine.StateChange{{Kind: engine.ChangeOptimization, Key: "file:" + p.Path, Removed: true}},
		}, nil
	}

	mode, err := p.fileMode()
	if err != nil {
		return nil, engine.NewValidationError("file params", err)
	}
	if _, err := run(ctx, cmd, "mkdir -p "+sh(dirOf(p.Path))); err != nil {
		return nil, err
	}
	if err := cmd.WriteFile(ctx, p.Path, []byte(p.Content), mode); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.Path, err)
	}

	return &engine.ApplyResult{
		Output:  fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path),
		Changes: []engine.StateChange{optimization("file:"+p.Path, p.target())},
	}, nil
}

func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// padMode turns stat's "644" into "0644".
func padMode(m string) string {
	for len(m) < 4 {
		m = "0" + m
	}
	return m
}
