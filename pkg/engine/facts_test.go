package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

// scriptedTransport answers commands from a fixed table.
type scriptedTransport struct {
	down    bool
	outputs map[string]string
}

func (s *scriptedTransport) Check(ctx context.Context, target Target) error {
	if s.down {
		return errors.New("connection refused")
	}
	return nil
}

func (s *scriptedTransport) Execute(ctx context.Context, target Target, command string) (*ExecResult, error) {
	out, ok := s.outputs[command]
	if !ok {
		return &ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
	}
	return &ExecResult{Stdout: out}, nil
}

const linuxCPUInfo = `processor	: 0
model name	: AMD Ryzen 7 5800U with Radeon Graphics
processor	: 1
model name	: AMD Ryzen 7 5800U with Radeon Graphics
`

const linuxIPAddr = `1: lo    inet 127.0.0.1/8 scope host lo\       valid_lft forever preferred_lft forever
2: enp3s0    inet 192.168.1.40/24 brd 192.168.1.255 scope global enp3s0\       valid_lft forever
2: enp3s0    inet6 fe80::1/64 scope link \       valid_lft forever preferred_lft forever
`

func TestRemoteFactGatherer_Linux(t *testing.T) {
	transport := &scriptedTransport{outputs: map[string]string{
		"uname -s":                                      "Linux\n",
		"uname -r":                                      "6.8.0-45-lowlatency",
		"uname -m":                                      "x86_64",
		"hostname":                                      "iem",
		"cat /etc/os-release 2>/dev/null":               "NAME=\"Ubuntu\"\nVERSION_ID=\"24.04\"\nPRETTY_NAME=\"Ubuntu 24.04.1 LTS\"\n",
		"cat /proc/cpuinfo":                             linuxCPUInfo,
		"cat /proc/meminfo":                             "MemTotal:       32768000 kB\nMemFree: 100 kB\n",
		"ip -o addr show":                               linuxIPAddr,
		"cat /sys/class/net/enp3s0/address 2>/dev/null": "a8:a1:59:00:11:22",
		"cat /sys/class/net/enp3s0/speed 2>/dev/null":   "1000",
	}}

	g := NewRemoteFactGatherer(transport, zerolog.Nop())
	info, err := g.Gather(context.Background(), Target{Hostname: "iem.lan"})
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	if info.OS != OSLinux {
		t.Errorf("OS = %s", info.OS)
	}
	if info.OSVersion != "Ubuntu 24.04.1 LTS" {
		t.Errorf("OSVersion = %q", info.OSVersion)
	}
	if info.Hostname != "iem" {
		t.Errorf("Hostname = %q", info.Hostname)
	}
	if info.Hardware.CPUCores != 2 || info.Hardware.CPU != "AMD Ryzen 7 5800U with Radeon Graphics" {
		t.Errorf("CPU = %q x%d", info.Hardware.CPU, info.Hardware.CPUCores)
	}
	if info.Hardware.MemoryGB != 31.3 {
		t.Errorf("MemoryGB = %v", info.Hardware.MemoryGB)
	}
	if len(info.Hardware.NICs) != 1 {
		t.Fatalf("NICs = %+v", info.Hardware.NICs)
	}
	nic := info.Hardware.NICs[0]
	if nic.Name != "enp3s0" || nic.MAC != "a8:a1:59:00:11:22" || nic.SpeedMbps != 1000 || len(nic.Addresses) != 2 {
		t.Errorf("NIC = %+v", nic)
	}
}

func TestRemoteFactGatherer_Unreachable(t *testing.T) {
	g := NewRemoteFactGatherer(&scriptedTransport{down: true}, zerolog.Nop())
	_, err := g.Gather(context.Background(), Target{Hostname: "iem.lan"})
	if !errors.Is(err, ErrConnectivity) {
		t.Errorf("err = %v, want connectivity failure", err)
	}
}

func TestRemoteFactGatherer_WindowsFallback(t *testing.T) {
	outputs := map[string]string{"$env:OS": "Windows_NT"}
	outputs["(Get-CimInstance Win32_OperatingSystem).Caption"] = "Microsoft Windows 11 Pro"
	outputs["(Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors"] = "16"
	outputs[`Get-NetAdapter -Physical | ForEach-Object { "$($_.Name)|$($_.MacAddress)|$($_.LinkSpeed)" }`] =
		"Ethernet|A8-A1-59-00-11-22|2.5 Gbps\n"
	transport := &scriptedTransport{outputs: outputs}
	info, err := NewRemoteFactGatherer(transport, zerolog.Nop()).Gather(context.Background(), Target{Hostname: "stage.lan"})
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if info.OS != OSWindows || info.OSVersion != "Microsoft Windows 11 Pro" || info.Hardware.CPUCores != 16 {
		t.Errorf("info = %+v", info)
	}
	if len(info.Hardware.NICs) != 1 || info.Hardware.NICs[0].MAC != "A8:A1:59:00:11:22" || info.Hardware.NICs[0].SpeedMbps != 2500 {
		t.Errorf("NICs = %+v", info.Hardware.NICs)
	}
}

func TestParseIfconfig(t *testing.T) {
	out := "lo0: flags=8049<UP,LOOPBACK> mtu 16384\n" +
		"\tinet 127.0.0.1 netmask 0xff000000\n" +
		"en0: flags=8863<UP,BROADCAST> mtu 1500\n" +
		"\tether 3c:22:fb:00:00:01\n" +
		"\tinet6 fe80::1%en0 prefixlen 64\n" +
		"\tinet 10.0.0.5 netmask 0xffffff00\n" +
		"awdl0: flags=8943<UP> mtu 1484\n"

	nics := parseIfconfig(out)
	if len(nics) != 1 {
		t.Fatalf("nics = %+v", nics)
	}
	if nics[0].Name != "en0" || nics[0].MAC != "3c:22:fb:00:00:01" {
		t.Errorf("nic = %+v", nics[0])
	}
	if len(nics[0].Addresses) != 2 || nics[0].Addresses[0] != "fe80::1" {
		t.Errorf("addresses = %v", nics[0].Addresses)
	}
}

func TestParseLinkSpeed(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"1 Gbps", 1000},
		{"2.5 Gbps", 2500},
		{"100 Mbps", 100},
		{"", 0},
		{"fast", 0},
	}
	for _, tt := range tests {
		if got := parseLinkSpeed(tt.in); got != tt.want {
			t.Errorf("parseLinkSpeed(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDeviceInfo_ApplyTo(t *testing.T) {
	d := &Device{Hostname: "iem.lan", OSVersion: "old"}
	info := &DeviceInfo{OS: OSMacOS, Hardware: Hardware{CPUCores: 8}}
	info.ApplyTo(d)
	if d.OS != OSMacOS || d.OSVersion != "old" || d.Hardware.CPUCores != 8 {
		t.Errorf("device = %+v", d)
	}
}
