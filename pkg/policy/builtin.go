package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		descriptionPolicy(),
		allowlistWildcardPolicy(),
		absolutePathCommandPolicy(),
	}
}

// descriptionPolicy flags environments without a description.
func descriptionPolicy() Policy {
	return Policy{
		Name:        "env-description",
		Description: "Environments should carry a description for the envs listing",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package crucible.policies.description

import rego.v1

deny contains violation if {
	not input.spec.description
	violation := {
		"message": sprintf("environment %s has no description", [input.spec.name]),
		"severity": "info",
		"env": input.spec.name,
	}
}
`,
	}
}

// allowlistWildcardPolicy flags the "*" whitelist wildcard, which disables
// external-command checking for the environment.
func allowlistWildcardPolicy() Policy {
	return Policy{
		Name:        "allowlist-wildcard",
		Description: "A * in allowlist_externals disables external-command checking",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package crucible.policies.allowlist

import rego.v1

deny contains violation if {
	some entry in input.spec.allowlist
	entry == "*"
	violation := {
		"message": sprintf("environment %s whitelists every external command", [input.spec.name]),
		"severity": "warning",
		"env": input.spec.name,
	}
}
`,
	}
}

// absolutePathCommandPolicy flags commands invoked by absolute path, which
// bypass the sandbox bin directory and hurt reproducibility.
func absolutePathCommandPolicy() Policy {
	return Policy{
		Name:        "absolute-path-command",
		Description: "Commands should not hardcode absolute program paths",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package crucible.policies.abspath

import rego.v1

deny contains violation if {
	some cmd in input.spec.commands
	startswith(cmd.argv[0], "/")
	violation := {
		"message": sprintf("environment %s invokes %s by absolute path", [input.spec.name, cmd.argv[0]]),
		"severity": "warning",
		"env": input.spec.name,
	}
}
`,
	}
}
