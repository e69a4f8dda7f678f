// Package policy gates recipe runs with Open Policy Agent (OPA) policies.
//
// Every policy is a Rego module whose deny set is evaluated against the
// document
//
//	{
//	  "device":  <device record>,
//	  "recipe":  <recipe>,
//	  "plan":    <execution plan>,
//	  "profile": {"name": ..., "recipes": [...], "tags": [...]}
//	}
//
// A deny entry is either a message string or an object with "message" and
// "severity". Entries without a severity take the policy default. Only
// error and critical entries block a run; info and warning entries are
// reported as warnings.
//
// Built-in policies:
//
//   - protected-device: devices tagged "protected" may not run command or
//     plugin actions that need applying.
//   - platform-mismatch: warns when the recipe does not list the device OS.
//   - profile-recipes: warns when the recipe is not part of the device
//     profile.
//
// User policies are loaded from .rego files, typically
// <inventory>/policies. The file name is the policy name and a leading
// "# severity: <level>" comment sets its default severity (error when
// absent):
//
//	# Nothing changes on show days.
//	# severity: critical
//	package site.freeze
//
//	import rego.v1
//
//	deny contains "show day freeze" if "show-day" in input.device.tags
//
// Engine.Watch reloads user policies when their files change. A reload
// that fails to compile leaves the previous set active.
package policy
