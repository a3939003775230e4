package instancectl

import (
	"encoding/json"
	"fmt"

	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/pkg/envmaterialize"
	"github.com/kiloclaw/sandboxd/pkg/secretenvelope"
)

// platformDefaults are the non-sensitive, worker-wide defaults every
// machine's environment starts from (spec §4.3.10 layer 1).
var platformDefaults = map[string]string{
	"OPENCLAW_PORT": "18789",
}

// buildMachineEnv runs the layered environment materialization (§4.3.10)
// for rec, encrypting sensitive values under envKey.
func buildMachineEnv(rec store.InstanceRecord, envKey []byte, gatewaySecret []byte, decryptor secretenvelope.Decryptor) (map[string]string, error) {
	secrets, err := decodeEnvelopes(rec.EncryptedSecrets)
	if err != nil {
		return nil, fmt.Errorf("decoding secret envelopes: %w", err)
	}
	channels, err := decodeEnvelopes(rec.Channels)
	if err != nil {
		return nil, fmt.Errorf("decoding channel envelopes: %w", err)
	}

	return envmaterialize.BuildMachineEnv(envmaterialize.Input{
		PlatformDefaults:     platformDefaults,
		SandboxID:            rec.SandboxID,
		GatewaySecret:        gatewaySecret,
		UserEnvVars:          rec.EnvVars,
		Secrets:              secrets,
		Channels:             channels,
		KilocodeAPIKey:       rec.KilocodeAPIKey,
		KilocodeDefaultModel: rec.KilocodeDefaultModel,
		KilocodeModels:       rec.KilocodeModels,
		Decryptor:            decryptor,
	}, envKey)
}

func decodeEnvelopes(raw map[string]string) (map[string]secretenvelope.Envelope, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]secretenvelope.Envelope, len(raw))
	for name, encoded := range raw {
		var env secretenvelope.Envelope
		if err := json.Unmarshal([]byte(encoded), &env); err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		out[name] = env
	}
	return out, nil
}

func guestFromSize(size *store.MachineSize) (guestCPUs int, guestMemMB int, guestKind string) {
	if size == nil {
		return DefaultMachineGuest.CPUs, DefaultMachineGuest.MemoryMB, DefaultMachineGuest.CPUKind
	}
	return size.CPUs, size.MemoryMB, size.CPUKind
}
