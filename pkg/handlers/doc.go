// Package handlers implements the built-in modules that verify and apply
// action specs on a device: command, sysctl, registry, package, service,
// power, qos, firewall, limits, file and plugin.
//
// Handlers never execute anything locally. Every probe and mutation goes
// through the engine.Commander they are given, so the same handler works
// over SSH, on the local machine and against test fakes.
//
// A verify expression is evaluated with expr against VerifyEnv:
//
//	current == target
//	int(current) >= int(target)
//	exit_code == 0 && stdout contains "bbr"
package handlers
