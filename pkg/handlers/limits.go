package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// DefaultLimitsDir holds the pam_limits drop-ins written by the limits module.
const DefaultLimitsDir = "/etc/security/limits.d"

// LimitsParams are the params of the limits module. They grant realtime
// scheduling and locked memory to a group, as JACK and PipeWire expect.
type LimitsParams struct {
	Group   string `json:"group" validate:"omitempty,excludesall= ;0x7C&$'/"`
	RTPrio  int    `json:"rtprio" validate:"min=0,max=99"`
	Memlock string `json:"memlock" validate:"omitempty,excludesall= ;0x7C&$'"`
	Nice    *int   `json:"nice" validate:"omitempty,min=-20,max=19"`
}

func (p *LimitsParams) defaults() {
	if p.Group == "" {
		p.Group = "audio"
	}
	if p.RTPrio == 0 {
		p.RTPrio = 95
	}
	if p.Memlock == "" {
		p.Memlock = "unlimited"
	}
	if p.Nice == nil {
		nice := -19
		p.Nice = &nice
	}
}

// render builds the drop-in file content.
func (p *LimitsParams) render() string {
	var b strings.Builder
	b.WriteString("# Managed by avtune\n")
	fmt.Fprintf(&b, "@%s - rtprio %d\n", p.Group, p.RTPrio)
	fmt.Fprintf(&b, "@%s - memlock %s\n", p.Group, p.Memlock)
	fmt.Fprintf(&b, "@%s - nice %d\n", p.Group, *p.Nice)
	return b.String()
}

func (p *LimitsParams) summary() string {
	return fmt.Sprintf("rtprio=%d memlock=%s nice=%d", p.RTPrio, p.Memlock, *p.Nice)
}

// LimitsHandler writes /etc/security/limits.d drop-ins.
type LimitsHandler struct {
	Dir string
}

func (h *LimitsHandler) path(group string) string {
	dir := h.Dir
	if dir == "" {
		dir = DefaultLimitsDir
	}
	return fmt.Sprintf("%s/95-avtune-%s.conf", strings.TrimRight(dir, "/"), group)
}

// Verify implements engine.Handler.
func (h *LimitsHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p LimitsParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}
	p.defaults()

	res, v := probe(ctx, cmd, "cat "+sh(h.path(p.Group)))
	if v != nil {
		return *v
	}
	if !res.OK() {
		return engine.Unsatisfied("", "limits file not present")
	}
	current := parseLimits(res.Stdout, p.Group)
	return judge(spec, current, p.summary(), res)
}

// Apply implements engine.Handler.
func (h *LimitsHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p LimitsParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	p.defaults()

	path := h.path(p.Group)
	if _, err := run(ctx, cmd, "mkdir -p "+sh(dirOf(path))); err != nil {
		return nil, err
	}
	if err := cmd.WriteFile(ctx, path, []byte(p.render()), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &engine.ApplyResult{
		Output:  "wrote " + path,
		Changes: []engine.StateChange{optimization("limits:"+p.Group, p.summary())},
	}, nil
}

// parseLimits summarises the rtprio, memlock and nice entries for group.
func parseLimits(content, group string) string {
	values := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || strings.HasPrefix(fields[0], "#") || fields[0] != "@"+group {
			continue
		}
		values[fields[2]] = fields[3]
	}
	return fmt.Sprintf("rtprio=%s memlock=%s nice=%s", values["rtprio"], values["memlock"], values["nice"])
}
