package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// RegistryParams are the params of the registry module.
type RegistryParams struct {
	// Path is the key, e.g. HKLM\SYSTEM\CurrentControlSet\Services\Tcpip\Parameters.
	Path  string `json:"path" validate:"required,startswith=HK"`
	Name  string `json:"name" validate:"required"`
	Value Scalar `json:"value"`
	Type  string `json:"type" validate:"omitempty,oneof=REG_DWORD REG_QWORD REG_SZ REG_EXPAND_SZ REG_MULTI_SZ REG_BINARY"`
}

func (p *RegistryParams) regType() string {
	if p.Type == "" {
		return "REG_DWORD"
	}
	return p.Type
}

// RegistryHandler sets Windows registry values with reg.exe.
type RegistryHandler struct{}

// Verify implements engine.Handler. A missing value is unsatisfied, not indeterminate.
func (h *RegistryHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p RegistryParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	res, v := probe(ctx, cmd, fmt.Sprintf("reg query %s /v %s", ps(p.Path), ps(p.Name)))
	if v != nil {
		return *v
	}
	if !res.OK() {
		return engine.Unsatisfied("", "value not present")
	}

	current, ok := parseRegQuery(res.Stdout, p.Name)
	if !ok {
		return engine.Indeterminate("unrecognised reg query output")
	}
	return judge(spec, current, canonicalRegValue(p.regType(), p.Value.String()), res)
}

// Apply implements engine.Handler.
func (h *RegistryHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p RegistryParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	command := fmt.Sprintf("reg add %s /v %s /t %s /d %s /f",
		ps(p.Path), ps(p.Name), p.regType(), ps(p.Value.String()))
	res, err := run(ctx, cmd, command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}

	return &engine.ApplyResult{
		Output:  strings.TrimSpace(res.Stdout),
		Changes: []engine.StateChange{optimization(p.Path+`\`+p.Name, canonicalRegValue(p.regType(), p.Value.String()))},
	}, nil
}

// parseRegQuery finds "    <name>    <type>    <data>" in reg query output.
// DWORD and QWORD data is returned in decimal.
func parseRegQuery(out, name string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], name) || !strings.HasPrefix(fields[1], "REG_") {
			continue
		}
		data := ""
		if len(fields) > 2 {
			data = strings.Join(fields[2:], " ")
		}
		return canonicalRegValue(fields[1], data), true
	}
	return "", false
}

// canonicalRegValue renders numeric values in decimal so 0x1 and 1 compare equal.
func canonicalRegValue(regType, value string) string {
	value = strings.TrimSpace(value)
	if regType != "REG_DWORD" && regType != "REG_QWORD" {
		return value
	}
	if n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(value), "0x"), 16, 64); err == nil && strings.HasPrefix(strings.ToLower(value), "0x") {
		return strconv.FormatUint(n, 10)
	}
	if n, err := strconv.ParseUint(value, 10, 64); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return value
}
