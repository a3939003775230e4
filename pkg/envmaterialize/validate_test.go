package envmaterialize

import "testing"

// TestValidateUserEnvVarNameRejectsReservedPrefix covers spec §8 property 7:
// no user-supplied env var name may collide with the materializer's own
// reserved namespaces.
func TestValidateUserEnvVarNameRejectsReservedPrefix(t *testing.T) {
	for _, name := range []string{"KILOCLAW_ENC_FOO", "KILOCLAW_ENV_BAR"} {
		if err := ValidateUserEnvVarName(name); err == nil {
			t.Errorf("ValidateUserEnvVarName(%q) = nil, want error", name)
		}
	}
}

func TestValidateUserEnvVarNameRejectsReservedSystemNames(t *testing.T) {
	for _, name := range []string{"OPENCLAW_GATEWAY_TOKEN", "AUTO_APPROVE_DEVICES"} {
		if err := ValidateUserEnvVarName(name); err == nil {
			t.Errorf("ValidateUserEnvVarName(%q) = nil, want error", name)
		}
	}
}

func TestValidateUserEnvVarNameAcceptsOrdinaryNames(t *testing.T) {
	for _, name := range []string{"MY_VAR", "_LEADING_UNDERSCORE", "A1B2"} {
		if err := ValidateUserEnvVarName(name); err != nil {
			t.Errorf("ValidateUserEnvVarName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateUserEnvVarNameRejectsInvalidShape(t *testing.T) {
	for _, name := range []string{"", "1STARTS_WITH_DIGIT", "has-dash", "has space"} {
		if err := ValidateUserEnvVarName(name); err == nil {
			t.Errorf("ValidateUserEnvVarName(%q) = nil, want error", name)
		}
	}
}
