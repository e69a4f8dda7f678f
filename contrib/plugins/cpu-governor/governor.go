// Package main implements the cpu-governor avtune plugin.
//
// The plugin pins the CPU frequency policy of a device: the cpufreq
// scaling governor on Linux, the active power plan on Windows. Like every
// avtune plugin it never touches the device itself; it answers each
// request with the probe or mutation command for the host to run.
//
// Build it as a WASI reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o cpu-governor.wasm .
//
// and place the .wasm next to plugin.yaml under <inventory>/plugins/cpu-governor.
package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	phaseVerify = "verify"
	phaseApply  = "apply"

	defaultGovernor = "performance"
	stateKey        = "cpu_governor"
)

// request mirrors the JSON the host sends.
type request struct {
	Phase  string         `json:"phase"`
	OS     string         `json:"os"`
	Params map[string]any `json:"params,omitempty"`
}

type change struct {
	Kind     string `json:"kind"`
	Category string `json:"category,omitempty"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

type response struct {
	Command string   `json:"command,omitempty"`
	Target  string   `json:"target,omitempty"`
	Changes []change `json:"changes,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// linuxGovernors are the cpufreq governors the kernel ships.
var linuxGovernors = map[string]bool{
	"performance":  true,
	"powersave":    true,
	"schedutil":    true,
	"ondemand":     true,
	"conservative": true,
}

// windowsPlans maps governor names to the built-in power scheme GUIDs.
var windowsPlans = map[string]string{
	"performance": "8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c",
	"balanced":    "381b4222-f694-41f0-9685-ff5bb260df2e",
	"powersave":   "a1841308-3541-4fab-bc81-f71556f20b4a",
}

const sysfsGlob = "/sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_governor"

// handle decodes one request and builds the reply. Errors travel in the
// response so the host can report them against the action.
func handle(input []byte) response {
	var req request
	if err := json.Unmarshal(input, &req); err != nil {
		return response{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if req.Phase != phaseVerify && req.Phase != phaseApply {
		return response{Error: fmt.Sprintf("unknown phase %q", req.Phase)}
	}

	governor, err := governorParam(req.Params)
	if err != nil {
		return response{Error: err.Error()}
	}

	switch req.OS {
	case "linux":
		return linux(req.Phase, governor)
	case "windows":
		return windows(req.Phase, governor)
	default:
		return response{Error: fmt.Sprintf("cpu governor is not tunable on %s", req.OS)}
	}
}

func governorParam(params map[string]any) (string, error) {
	raw, ok := params["governor"]
	if !ok || raw == nil {
		return defaultGovernor, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("governor must be a string, got %T", raw)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return defaultGovernor, nil
	}
	return s, nil
}

func linux(phase, governor string) response {
	if !linuxGovernors[governor] {
		return response{Error: fmt.Sprintf("unknown governor %q, want one of %s", governor, keys(linuxGovernors))}
	}
	if phase == phaseVerify {
		// One line per distinct governor: matches the target only when every CPU agrees.
		return response{
			Command: "cat " + sysfsGlob + " | sort -u",
			Target:  governor,
		}
	}
	return response{
		Command: fmt.Sprintf("for f in %s; do echo %s > \"$f\" || exit 1; done", sysfsGlob, governor),
		Target:  governor,
		Changes: []change{applied(governor)},
	}
}

func windows(phase, governor string) response {
	guid, ok := windowsPlans[governor]
	if !ok {
		plans := make(map[string]bool, len(windowsPlans))
		for k := range windowsPlans {
			plans[k] = true
		}
		return response{Error: fmt.Sprintf("unknown power plan %q, want one of %s", governor, keys(plans))}
	}
	if phase == phaseVerify {
		return response{
			Command: `((powercfg /getactivescheme) -replace '.*GUID:\s*([0-9a-fA-F-]+).*','$1').Trim()`,
			Target:  guid,
		}
	}
	return response{
		Command: "powercfg /setactive " + guid,
		Target:  guid,
		Changes: []change{applied(governor)},
	}
}

func applied(governor string) change {
	return change{Kind: "optimization", Category: "power", Key: stateKey, Value: governor}
}

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
