package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// PowerParams are the params of the power module.
//
// On linux Profile is a cpufreq governor (performance, powersave, schedutil).
// On windows it is a scheme alias or GUID. On macOS it is one of the
// pmset presets below, or Setting/Value set a single pmset key.
type PowerParams struct {
	Profile string `json:"profile" validate:"required_without=Setting,excludesall= ;0x7C&$'"`
	Setting string `json:"setting" validate:"omitempty,alphanum"`
	Value   Scalar `json:"value" validate:"required_with=Setting,excludesall= ;0x7C&$'"`
}

// Windows power scheme aliases.
var powerSchemes = map[string]string{
	"balanced":         "381b4222-f694-41f0-9685-ff5bb260df2e",
	"high-performance": "8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c",
	"power-saver":      "a1841308-3541-4fab-bc81-f71556f20b4a",
	"ultimate":         "e9a42b02-d5df-448d-aa00-03f14749eb61",
}

// macOS profiles expressed as pmset settings.
var pmsetProfiles = map[string]map[string]string{
	"performance": {"sleep": "0", "disksleep": "0", "powernap": "0", "lowpowermode": "0"},
	"balanced":    {"sleep": "10", "disksleep": "10", "powernap": "1", "lowpowermode": "0"},
}

var guidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// PowerHandler selects CPU power profiles.
type PowerHandler struct{}

// Verify implements engine.Handler.
func (h *PowerHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p PowerParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	switch cmd.OS() {
	case engine.OSWindows:
		target, err := schemeGUID(p.Profile)
		if err != nil {
			return engine.Indeterminate(err.Error())
		}
		res, v := probe(ctx, cmd, "powercfg /getactivescheme")
		if v != nil {
			return *v
		}
		if !res.OK() {
			return engine.Indeterminate(exitError("powercfg", res).Error())
		}
		return judge(spec, strings.ToLower(guidPattern.FindString(res.Stdout)), target, res)

	case engine.OSMacOS:
		want, err := pmsetSettings(&p)
		if err != nil {
			return engine.Indeterminate(err.Error())
		}
		res, v := probe(ctx, cmd, "pmset -g")
		if v != nil {
			return *v
		}
		if !res.OK() {
			return engine.Indeterminate(exitError("pmset", res).Error())
		}
		current := parsePmset(res.Stdout)
		return judge(spec, renderSettings(want, current), renderSettings(want, want), res)

	default:
		if p.Profile == "" {
			return engine.Indeterminate("power profile is required on " + string(cmd.OS()))
		}
		res, v := probe(ctx, cmd, "cat /sys/devices/system/cpu/cpu*/cpufreq/scaling_governor | sort -u")
		if v != nil {
			return *v
		}
		if !res.OK() {
			return engine.Indeterminate("cpufreq scaling is not available")
		}
		return judge(spec, res.Stdout, p.Profile, res)
	}
}

// Apply implements engine.Handler.
func (h *PowerHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p PowerParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	var (
		command string
		key     string
		value   string
	)
	switch cmd.OS() {
	case engine.OSWindows:
		guid, err := schemeGUID(p.Profile)
		if err != nil {
			return nil, engine.NewValidationError("power params", err)
		}
		command = "powercfg /setactive " + guid
		key, value = "power:scheme", p.Profile
	case engine.OSMacOS:
		want, err := pmsetSettings(&p)
		if err != nil {
			return nil, engine.NewValidationError("power params", err)
		}
		var args []string
		for _, k := range sortedKeys(want) {
			args = append(args, k, want[k])
		}
		command = "pmset -a " + strings.Join(args, " ")
		key, value = "power:pmset", renderSettings(want, want)
	default:
		if p.Profile == "" {
			return nil, engine.NewValidationError("power params", fmt.Errorf("profile is required on %s", cmd.OS()))
		}
		gov := sh(p.Profile)
		command = fmt.Sprintf(`if command -v cpupower >/dev/null 2>&1; then cpupower frequency-set -g %s; else for f in /sys/devices/system/cpu/cpu*/cpufreq/scaling_governor; do echo %s > "$f"; done; fi`, gov, gov)
		key, value = "power:governor", p.Profile
	}

	res, err := run(ctx, cmd, command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}
	return &engine.ApplyResult{
		Output:  strings.TrimSpace(res.Stdout),
		Changes: []engine.StateChange{optimization(key, value)},
	}, nil
}

func schemeGUID(profile string) (string, error) {
	if guid, ok := powerSchemes[strings.ToLower(profile)]; ok {
		return guid, nil
	}
	if guidPattern.MatchString(profile) && len(profile) == 36 {
		return strings.ToLower(profile), nil
	}
	return "", fmt.Errorf("unknown power scheme %q", profile)
}

func pmsetSettings(p *PowerParams) (map[string]string, error) {
	if p.Setting != "" {
		return map[string]string{p.Setting: p.Value.String()}, nil
	}
	settings, ok := pmsetProfiles[p.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown pmset profile %q", p.Profile)
	}
	return settings, nil
}

// parsePmset reads " key   value" lines from pmset -g.
func parsePmset(out string) map[string]string {
	settings := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && !strings.HasSuffix(fields[0], ":") {
			settings[fields[0]] = fields[1]
		}
	}
	return settings
}

// renderSettings prints the keys of want with their values in have.
func renderSettings(want, have map[string]string) string {
	var parts []string
	for _, k := range sortedKeys(want) {
		parts = append(parts, k+"="+have[k])
	}
	return strings.Join(parts, " ")
}
