// Package envmaterialize builds the final machine environment from layered
// sources (spec §4.3.10): platform defaults, user plaintext env, decrypted
// user secrets, decrypted channel bot tokens, and reserved system vars.
// Sensitive values are AES-256-GCM-encrypted under the app's env key and
// placed under the KILOCLAW_ENC_ prefix; everything else passes through
// plaintext.
package envmaterialize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/kiloclaw/sandboxd/pkg/secretenvelope"
)

const (
	encryptedPrefix = "KILOCLAW_ENC_"

	gatewayTokenVar  = "OPENCLAW_GATEWAY_TOKEN"
	autoApproveVar   = "AUTO_APPROVE_DEVICES"
	autoApproveValue = "true"
)

// channelEnvNames maps the fixed channel keys in a user's Channels bag to
// the env var name their decrypted token is published under (spec §4.3.10
// step 4).
var channelEnvNames = map[string]string{
	"telegram":  "TELEGRAM_BOT_TOKEN",
	"discord":   "DISCORD_BOT_TOKEN",
	"slack_bot": "SLACK_BOT_TOKEN",
	"slack_app": "SLACK_APP_TOKEN",
}

// Input bundles every layer Materialize needs.
type Input struct {
	PlatformDefaults map[string]string

	SandboxID     string
	GatewaySecret []byte

	UserEnvVars map[string]string

	Secrets  map[string]secretenvelope.Envelope
	Channels map[string]secretenvelope.Envelope

	KilocodeAPIKey       string
	KilocodeDefaultModel string
	KilocodeModels       []string

	Decryptor secretenvelope.Decryptor
}

// Materialize applies the layering precedence and returns the plaintext and
// sensitive maps before encryption, so callers (and tests) can inspect the
// pre-encryption split directly.
func Materialize(in Input) (plaintext map[string]string, sensitive map[string]string, err error) {
	plaintext = map[string]string{}
	sensitive = map[string]string{}

	// 1. Platform defaults (non-sensitive).
	for k, v := range in.PlatformDefaults {
		plaintext[k] = v
	}

	// 2. User plaintext env — validated, reserved prefixes rejected.
	for k, v := range in.UserEnvVars {
		if err := ValidateUserEnvVarName(k); err != nil {
			return nil, nil, err
		}
		plaintext[k] = v
	}

	if in.Decryptor == nil && (len(in.Secrets) > 0 || len(in.Channels) > 0) {
		return nil, nil, fmt.Errorf("encrypted secrets or channels present but no decryptor is configured")
	}

	// 3. User secrets — decrypted, classified sensitive.
	for name, env := range in.Secrets {
		pt, err := in.Decryptor.Decrypt(env)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypting secret %q: %w", name, err)
		}
		sensitive[name] = pt
	}

	// 4. Channel bot tokens — decrypted, mapped to fixed names, sensitive.
	for channel, env := range in.Channels {
		varName, ok := channelEnvNames[channel]
		if !ok {
			continue // unknown channel key; ignore rather than fail provisioning
		}
		pt, err := in.Decryptor.Decrypt(env)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypting channel %q token: %w", channel, err)
		}
		sensitive[varName] = pt
	}

	// kilocode_* provider-credential bag is opaque to core and carries no
	// sensitivity classification in the data model — treated as plaintext.
	if in.KilocodeAPIKey != "" {
		plaintext["KILOCODE_API_KEY"] = in.KilocodeAPIKey
	}
	if in.KilocodeDefaultModel != "" {
		plaintext["KILOCODE_DEFAULT_MODEL"] = in.KilocodeDefaultModel
	}
	if len(in.KilocodeModels) > 0 {
		plaintext["KILOCODE_MODELS"] = joinModels(in.KilocodeModels)
	}

	// 5. Reserved system vars — never overridable by any prior layer.
	sensitive[gatewayTokenVar] = gatewayToken(in.GatewaySecret, in.SandboxID)
	plaintext[autoApproveVar] = autoApproveValue

	return plaintext, sensitive, nil
}

// BuildMachineEnv runs Materialize and encrypts the sensitive half under
// envKey, returning the single combined env map ready for a machine's
// config (spec §4.3.10 "Result split" + encryption step).
func BuildMachineEnv(in Input, envKey []byte) (map[string]string, error) {
	plaintext, sensitive, err := Materialize(in)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(plaintext)+len(sensitive))
	for k, v := range plaintext {
		out[k] = v
	}

	// Deterministic iteration only matters for test reproducibility; map
	// order is otherwise irrelevant to the output's correctness.
	names := make([]string, 0, len(sensitive))
	for name := range sensitive {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		wire, err := Encrypt(envKey, sensitive[name])
		if err != nil {
			return nil, fmt.Errorf("encrypting %q: %w", name, err)
		}
		out[encryptedPrefix+name] = wire
	}

	return out, nil
}

// gatewayToken derives OPENCLAW_GATEWAY_TOKEN = HMAC(secret, sandbox_id).
func gatewayToken(secret []byte, sandboxID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sandboxID))
	return hex.EncodeToString(mac.Sum(nil))
}

func joinModels(models []string) string {
	out := ""
	for i, m := range models {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}
