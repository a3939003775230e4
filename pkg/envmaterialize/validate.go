package envmaterialize

import (
	"fmt"
	"regexp"
	"strings"
)

// userEnvVarNamePattern is the shape every user-supplied plaintext env var
// name must match (spec §4.3.10).
var userEnvVarNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedPrefixes may never be used by user input — they're reserved for
// the materializer's own encrypted-value and system-value namespaces.
var reservedPrefixes = []string{"KILOCLAW_ENC_", "KILOCLAW_ENV_"}

// reservedNames may never be used by user input either — these are the
// fixed system vars Materialize sets itself at the end of its layering
// (spec §4.3.10 step 5 / §8 property 7). Rejecting them here, rather than
// relying on the system-vars layer running last, is what keeps
// OPENCLAW_GATEWAY_TOKEN from ever landing in the plaintext map: that name
// is also written into the sensitive map under the same key, so a
// plaintext user override next to it would leak both values into the
// machine env instead of being silently clobbered like AUTO_APPROVE_DEVICES
// happens to be.
var reservedNames = []string{gatewayTokenVar, autoApproveVar}

// ValidateUserEnvVarName is the single authoritative check for whether a
// name is acceptable as user-supplied plaintext env — used both by the
// Platform API's request validation and by Materialize itself, so there is
// exactly one place this rule lives (spec §8 property 7).
func ValidateUserEnvVarName(name string) error {
	if !userEnvVarNamePattern.MatchString(name) {
		return fmt.Errorf("env var name %q does not match %s", name, userEnvVarNamePattern.String())
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("env var name %q uses reserved prefix %q", name, prefix)
		}
	}
	for _, reserved := range reservedNames {
		if name == reserved {
			return fmt.Errorf("env var name %q is a reserved system variable", name)
		}
	}
	return nil
}
