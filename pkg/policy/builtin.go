package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedDevicePolicy(),
		platformMismatchPolicy(),
		profileRecipesPolicy(),
	}
}

// protectedDevicePolicy keeps arbitrary code off devices tagged "protected".
func protectedDevicePolicy() Policy {
	return Policy{
		Name:        "protected-device",
		Description: "Devices tagged protected may not run command or plugin actions",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package avtune.builtin.protected_device

import rego.v1

protected if "protected" in input.device.tags

unrestricted := {"command", "plugin"}

deny contains violation if {
	protected
	some entry in input.plan.entries
	entry.disposition == "needs-apply"
	entry.module in unrestricted
	violation := {
		"message": sprintf("action %q uses module %q, which is not allowed on protected device %s", [entry.action, entry.module, input.device.hostname]),
		"severity": "error",
	}
}`,
	}
}

// platformMismatchPolicy warns when the recipe does not declare the device OS.
func platformMismatchPolicy() Policy {
	return Policy{
		Name:        "platform-mismatch",
		Description: "Warns when the recipe does not list the device operating system",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package avtune.builtin.platform_mismatch

import rego.v1

deny contains violation if {
	input.device.os
	not input.device.os in input.recipe.platforms
	violation := {
		"message": sprintf("recipe %s does not list platform %s", [input.recipe.name, input.device.os]),
		"severity": "warning",
	}
}`,
	}
}

// profileRecipesPolicy warns when a device runs a recipe outside its profile.
func profileRecipesPolicy() Policy {
	return Policy{
		Name:        "profile-recipes",
		Description: "Warns when the recipe is not part of the device profile",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package avtune.builtin.profile_recipes

import rego.v1

deny contains violation if {
	input.profile.name
	not input.recipe.name in object.get(input.profile, "recipes", [])
	violation := {
		"message": sprintf("recipe %s is not part of profile %s", [input.recipe.name, input.profile.name]),
		"severity": "warning",
	}
}`,
	}
}
