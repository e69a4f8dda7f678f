package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// QoSParams are the params of the qos module: mark traffic to a port with a DSCP value.
type QoSParams struct {
	Name     string `json:"name" validate:"required,excludesall= ;0x7C&$'"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Protocol string `json:"protocol" validate:"omitempty,oneof=udp tcp"`
	DSCP     int    `json:"dscp" validate:"min=0,max=63"`
}

func (p *QoSParams) protocol() string {
	if p.Protocol == "" {
		return "udp"
	}
	return p.Protocol
}

func (p *QoSParams) target() string {
	return fmt.Sprintf("%s/%d dscp=%d", p.protocol(), p.Port, p.DSCP)
}

// QoSHandler tags realtime audio traffic with DSCP markings through
// iptables on linux and NetQosPolicy on windows.
type QoSHandler struct{}

// Verify implements engine.Handler.
func (h *QoSHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p QoSParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	if cmd.OS() == engine.OSWindows {
		res, v := probe(ctx, cmd, fmt.Sprintf(
			`$q = Get-NetQosPolicy -Name %s -ErrorAction SilentlyContinue; if ($q) { "$($q.IPProtocolMatchCondition.ToString().ToLower())/$($q.IPDstPortStartRange) dscp=$($q.DSCPAction)" }`,
			ps("avtune-"+p.Name)))
		if v != nil {
			return *v
		}
		if !res.OK() {
			return engine.Indeterminate(exitError("Get-NetQosPolicy", res).Error())
		}
		current := strings.TrimSpace(res.Stdout)
		if current == "" {
			return engine.Unsatisfied("", "policy not present")
		}
		return judge(spec, current, p.target(), res)
	}

	res, v := probe(ctx, cmd, "iptables "+iptablesQoSRule("-C", &p))
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
func (h *QoSHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p QoSParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	var command string
	if cmd.OS() == engine.OSWindows {
		name := ps("avtune-" + p.Name)
		command = fmt.Sprintf(
			"Remove-NetQosPolicy -Name %s -Confirm:$false -ErrorAction SilentlyContinue; New-NetQosPolicy -Name %s -IPProtocolMatchCondition %s -IPDstPortStartRange %d -IPDstPortEndRange %d -DSCPAction %d -NetworkProfile All",
			name, name, strings.ToUpper(p.protocol()), p.Port, p.Port, p.DSCP)
	} else {
		command = "iptables " + iptablesQoSRule("-A", &p)
	}

	res, err := run(ctx, cmd, command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}
	return &engine.ApplyResult{
		Output:  strings.TrimSpace(res.Stdout),
		Changes: []engine.StateChange{optimization("qos:"+p.Name, p.target())},
	}, nil
}

func iptablesQoSRule(op string, p *QoSParams) string {
	return fmt.Sprintf("-t mangle %s OUTPUT -p %s --dport %d -m comment --comment %s -j DSCP --set-dscp %d",
		op, p.protocol(), p.Port, sh("avtune:"+p.Name), p.DSCP)
}
