package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// FirewallParams are the params of the firewall module: allow inbound
// traffic on a port, typically for Dante or AES67 streams.
type FirewallParams struct {
	Name     string `json:"name" validate:"required,excludesall= ;0x7C&$'"`
	Port     string `json:"port" validate:"required,excludesall= ;0x7C&$'"`
	Protocol string `json:"protocol" validate:"omitempty,oneof=udp tcp"`
}

func (p *FirewallParams) protocol() string {
	if p.Protocol == "" {
		return "udp"
	}
	return p.Protocol
}

func (p *FirewallParams) target() string {
	return "allow " + p.protocol() + "/" + p.Port
}

// FirewallHandler opens inbound ports.
type FirewallHandler struct{}

// Verify implements engine.Handler.
func (h *FirewallHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p FirewallParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	if cmd.OS() == engine.OSWindows {
		res, v := probe(ctx, cmd, fmt.Sprintf("netsh advfirewall firewall show rule name=%s", ps("avtune-"+p.Name)))
		if v != nil {
			return *v
		}
		if !res.OK() || strings.Contains(res.Stdout, "No rules match") {
			return engine.Unsatisfied("", "rule not present")
		}
		return judge(spec, parseNetshRule(res.Stdout), p.target(), res)
	}

	res, v := probe(ctx, cmd, "iptables "+iptablesAllowRule("-C", &p))
	if v != nil {
		return *v
	}
	switch res.ExitCode {
	case 0:
		return judge(spec, p.target(), p.target(), res)
	case 1:
		return engine.Unsatisfied("", "rule not present")
	default:
		return engine.Indeterminate(exitError("iptables", res).Error())
	}
}

// Apply implements engine.Handler.
func (h *FirewallHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p FirewallParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	var command string
	if cmd.OS() == engine.OSWindows {
		name := ps("avtune-" + p.Name)
		command = fmt.Sprintf(
			"netsh advfirewall firewall delete rule name=%s | Out-Null; netsh advfirewall firewall add rule name=%s dir=in action=allow protocol=%s localport=%s",
			name, name, strings.ToUpper(p.protocol()), p.Port)
	} else {
		command = "iptables " + iptablesAllowRule("-I", &p)
	}

	res, err := run(ctx, cmd, command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}
	return &engine.ApplyResult{
		Output:  strings.TrimSpace(res.Stdout),
		Changes: []engine.StateChange{optimization("firewall:"+p.Name, p.target())},
	}, nil
}

func iptablesAllowRule(op string, p *FirewallParams) string {
	port := strings.ReplaceAll(p.Port, "-", ":")
	return fmt.Sprintf("%s INPUT -p %s --dport %s -m comment --comment %s -j ACCEPT",
		op, p.protocol(), port, sh("avtune:"+p.Name))
}

// parseNetshRule renders "allow <proto>/<ports>" from netsh show rule output.
func parseNetshRule(out string) string {
	var action, proto, port string
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Action":
			action = strings.ToLower(v)
		case "Protocol":
			proto = strings.ToLower(v)
		case "LocalPort":
			port = v
		}
	}
	return action + " " + proto + "/" + port
}
