// Package recipes loads recipes and profiles from an inventory directory.
//
// A recipe is a YAML file (or a Starlark script assigning a `recipe` dict)
// named after the recipe:
//
//	name: network-optimize
//	description: Low-latency network tuning
//	category: network
//	platforms: [linux, windows]
//	actions:
//	  - name: enable-bbr
//	    linux:
//	      module: sysctl
//	      params: {key: net.ipv4.tcp_congestion_control, value: bbr}
//	  - name: disable-nagle
//	    windows:
//	      module: registry
//	      params: {path: 'HKLM\SOFTWARE\...', name: TcpNoDelay, type: REG_DWORD, value: 1}
//
// Action keys other than name and description select platforms: a family
// (linux, windows, macos), unix, all, or a comma list. The most specific key
// wins for each platform. Documents are checked against a closed CUE schema,
// so unknown fields are rejected, and verify expressions are compiled at load.
//
// Profiles live in their own directory and may extend one parent profile.
package recipes
