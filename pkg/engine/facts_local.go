package engine

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// LocalFactGatherer reads DeviceInfo of the machine avtune runs on.
type LocalFactGatherer struct{}

// Gather ignores target beyond its hostname; everything is read from this host.
func (LocalFactGatherer) Gather(ctx context.Context, target Target) (*DeviceInfo, error) {
	info := &DeviceInfo{Hostname: target.Hostname}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, NewConnectivityError(target.Hostname, err)
	}
	info.OS = ParseOSFamily(hi.OS)
	info.OSVersion = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
	info.Kernel = hi.KernelVersion
	info.Arch = hi.KernelArch
	if info.Hostname == "" {
		info.Hostname = hi.Hostname
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.Hardware.CPU = strings.TrimSpace(cpus[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.Hardware.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Hardware.MemoryGB = roundGB(float64(vm.Total) / (1 << 30))
	}

	ifaces, err := net.InterfacesWithContext(ctx)
	if err == nil {
		byName := map[string]*NIC{}
		for _, iface := range ifaces {
			if isLoopback(iface.Flags) {
				continue
			}
			nic := &NIC{Name: iface.Name, MAC: iface.HardwareAddr}
			for _, a := range iface.Addrs {
				nic.Addresses = append(nic.Addresses, strings.Split(a.Addr, "/")[0])
			}
			if nic.MAC == "" && len(nic.Addresses) == 0 {
				continue
			}
			byName[nic.Name] = nic
		}
		info.Hardware.NICs = sortedNICs(byName)
	}

	return info, nil
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

// RoutedFactGatherer sends local targets to Local and everything else to Remote.
type RoutedFactGatherer struct {
	Local   FactGatherer
	Remote  FactGatherer
	IsLocal func(Target) bool
}

// Gather implements FactGatherer.
func (g RoutedFactGatherer) Gather(ctx context.Context, target Target) (*DeviceInfo, error) {
	if g.IsLocal != nil && g.IsLocal(target) && g.Local != nil {
		return g.Local.Gather(ctx, target)
	}
	return g.Remote.Gather(ctx, target)
}
