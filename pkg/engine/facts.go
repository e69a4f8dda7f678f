package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DeviceInfo is the typed result of gathering live system information.
type DeviceInfo struct {
	Hostname  string   `json:"hostname"`
	OS        OSFamily `json:"os"`
	OSVersion string   `json:"os_version,omitempty"`
	Kernel    string   `json:"kernel,omitempty"`
	Arch      string   `json:"arch,omitempty"`
	Hardware  Hardware `json:"hardware"`
}

// ApplyTo copies the gathered information onto a device record.
func (i *DeviceInfo) ApplyTo(d *Device) {
	d.OS = i.OS
	if i.OSVersion != "" {
		d.OSVersion = i.OSVersion
	}
	d.Hardware = i.Hardware
}

// RemoteFactGatherer collects DeviceInfo by running probe commands over a Transport.
type RemoteFactGatherer struct {
	transport Transport
	logger    zerolog.Logger
}

// NewRemoteFactGatherer creates a gatherer that probes through transport.
func NewRemoteFactGatherer(transport Transport, logger zerolog.Logger) *RemoteFactGatherer {
	return &RemoteFactGatherer{
		transport: transport,
		logger:    logger.With().Str("component", "facts").Logger(),
	}
}

// Gather detects the OS family of target and collects its hardware inventory.
// Individual probe failures leave the matching fields empty; only an
// unreachable target is an error.
func (g *RemoteFactGatherer) Gather(ctx context.Context, target Target) (*DeviceInfo, error) {
	if err := g.transport.Check(ctx, target); err != nil {
		return nil, NewConnectivityError(target.Hostname, err)
	}

	info := &DeviceInfo{Hostname: target.Hostname, OS: target.OS}
	if info.OS == "" || info.OS == OSUnknown {
		info.OS = g.detectOS(ctx, target)
	}
	target.OS = info.OS

	switch info.OS {
	case OSLinux:
		g.collectLinux(ctx, target, info)
	case OSMacOS:
		g.collectMacOS(ctx, target, info)
	case OSWindows:
		g.collectWindows(ctx, target, info)
	}

	if h := g.run(ctx, target, "hostname"); h != "" {
		info.Hostname = h
	}

	g.logger.Debug().
		Str("hostname", target.Hostname).
		Str("os", string(info.OS)).
		Str("os_version", info.OSVersion).
		Int("nics", len(info.Hardware.NICs)).
		Msg("Collected device info")

	return info, nil
}

// detectOS asks a POSIX shell first and falls back to PowerShell.
func (g *RemoteFactGatherer) detectOS(ctx context.Context, target Target) OSFamily {
	probe := target
	probe.OS = OSLinux
	if out := g.run(ctx, probe, "uname -s"); out != "" {
		if os := ParseOSFamily(out); os != OSUnknown {
			return os
		}
	}
	probe.OS = OSWindows
	if out := g.run(ctx, probe, "$env:OS"); strings.EqualFold(out, "Windows_NT") {
		return OSWindows
	}
	return OSUnknown
}

func (g *RemoteFactGatherer) run(ctx context.Context, target Target, command string) string {
	res, err := g.transport.Execute(ctx, target, command)
	if err != nil || !res.OK() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (g *RemoteFactGatherer) collectLinux(ctx context.Context, target Target, info *DeviceInfo) {
	info.OSVersion = parseOSRelease(g.run(ctx, target, "cat /etc/os-release 2>/dev/null"))
	info.Kernel = g.run(ctx, target, "uname -r")
	info.Arch = g.run(ctx, target, "uname -m")

	info.Hardware.CPU, info.Hardware.CPUCores = parseCPUInfo(g.run(ctx, target, "cat /proc/cpuinfo"))
	info.Hardware.MemoryGB = parseMemInfo(g.run(ctx, target, "cat /proc/meminfo"))

	nics := parseIPAddr(g.run(ctx, target, "ip -o addr show"))
	for i := range nics {
		nics[i].MAC = g.run(ctx, target, fmt.Sprintf("cat /sys/class/net/%s/address 2>/dev/null", nics[i].Name))
		if speed, err := strconv.Atoi(g.run(ctx, target,
			fmt.Sprintf("cat /sys/class/net/%s/speed 2>/dev/null", nics[i].Name))); err == nil && speed > 0 {
			nics[i].SpeedMbps = speed
		}
	}
	info.Hardware.NICs = nics
}

func (g *RemoteFactGatherer) collectMacOS(ctx context.Context, target Target, info *DeviceInfo) {
	info.OSVersion = g.run(ctx, target, "sw_vers -productVersion")
	info.Kernel = g.run(ctx, target, "uname -r")
	info.Arch = g.run(ctx, target, "uname -m")
	info.Hardware.CPU = g.run(ctx, target, "sysctl -n machdep.cpu.brand_string")
	if n, err := strconv.Atoi(g.run(ctx, target, "sysctl -n hw.ncpu")); err == nil {
		info.Hardware.CPUCores = n
	}
	if b, err := strconv.ParseFloat(g.run(ctx, target, "sysctl -n hw.memsize"), 64); err == nil {
		info.Hardware.MemoryGB = roundGB(b / (1 << 30))
	}
	info.Hardware.NICs = parseIfconfig(g.run(ctx, target, "ifconfig"))
}

func (g *RemoteFactGatherer) collectWindows(ctx context.Context, target Target, info *DeviceInfo) {
	info.OSVersion = g.run(ctx, target, "(Get-CimInstance Win32_OperatingSystem).Caption")
	info.Arch = g.run(ctx, target, "$env:PROCESSOR_ARCHITECTURE")
	info.Hardware.CPU = g.run(ctx, target, "(Get-CimInstance Win32_Processor | Select-Object -First 1).Name")
	if n, err := strconv.Atoi(g.run(ctx, target, "(Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors")); err == nil {
		info.Hardware.CPUCores = n
	}
	if b, err := strconv.ParseFloat(g.run(ctx, target, "(Get-CimInstance Win32_ComputerSystem).TotalPhysicalMemory"), 64); err == nil {
		info.Hardware.MemoryGB = roundGB(b / (1 << 30))
	}
	info.Hardware.NICs = parseNetAdapter(g.run(ctx, target,
		`Get-NetAdapter -Physical | ForEach-Object { "$($_.Name)|$($_.MacAddress)|$($_.LinkSpeed)" }`))
}

func parseOSRelease(out string) string {
	var name, version, pretty string
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "PRETTY_NAME":
			pretty = value
		case "NAME":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	if pretty != "" {
		return pretty
	}
	return strings.TrimSpace(name + " " + version)
}

func parseCPUInfo(out string) (string, int) {
	model := ""
	cores := 0
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "model name"):
			if _, v, ok := strings.Cut(line, ":"); ok && model == "" {
				model = strings.TrimSpace(v)
			}
		case strings.HasPrefix(line, "processor"):
			cores++
		}
	}
	return model, cores
}

func parseMemInfo(out string) float64 {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseFloat(fields[1], 64)
			if err == nil {
				return roundGB(kb / (1 << 20))
			}
		}
	}
	return 0
}

// parseIPAddr reads `ip -o addr show` output. Loopback is skipped.
func parseIPAddr(out string) []NIC {
	byName := map[string]*NIC{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		nic, ok := byName[name]
		if !ok {
			nic = &NIC{Name: name}
			byName[name] = nic
		}
		for i, f := range fields {
			if (f == "inet" || f == "inet6") && i+1 < len(fields) {
				nic.Addresses = append(nic.Addresses, strings.Split(fields[i+1], "/")[0])
			}
		}
	}
	return sortedNICs(byName)
}

// parseIfconfig reads BSD ifconfig output as printed by macOS.
func parseIfconfig(out string) []NIC {
	byName := map[string]*NIC{}
	var cur *NIC
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if line[0] != '\t' && line[0] != ' ' {
			name, _, _ := strings.Cut(line, ":")
			cur = nil
			if strings.HasPrefix(name, "lo") {
				continue
			}
			cur = &NIC{Name: name}
			byName[name] = cur
			continue
		}
		if cur == nil {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "ether":
			cur.MAC = fields[1]
		case "inet", "inet6":
			cur.Addresses = append(cur.Addresses, strings.Split(fields[1], "%")[0])
		}
	}
	for name, nic := range byName {
		if nic.MAC == "" && len(nic.Addresses) == 0 {
			delete(byName, name)
		}
	}
	return sortedNICs(byName)
}

// parseNetAdapter reads "name|mac|speed" lines, speed as "1 Gbps" or "100 Mbps".
func parseNetAdapter(out string) []NIC {
	byName := map[string]*NIC{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		nic := &NIC{Name: parts[0], MAC: strings.ReplaceAll(parts[1], "-", ":")}
		nic.SpeedMbps = parseLinkSpeed(parts[2])
		byName[nic.Name] = nic
	}
	return sortedNICs(byName)
}

func parseLinkSpeed(s string) int {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(fields[1]) {
	case "gbps":
		return int(v * 1000)
	case "mbps":
		return int(v)
	default:
		return 0
	}
}

func sortedNICs(byName map[string]*NIC) []NIC {
	out := make([]NIC, 0, len(byName))
	for _, nic := range byName {
		out = append(out, *nic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func roundGB(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
