package envmaterialize

import (
	"strings"
	"testing"

	"github.com/kiloclaw/sandboxd/pkg/secretenvelope"
)

// fakeDecryptor returns the plaintext it was seeded with for a given
// envelope, keyed by the envelope's WrappedKey field as a stand-in ID —
// enough to exercise Materialize's layering without real crypto.
type fakeDecryptor struct {
	plaintext map[string]string
	failOn    string
}

func (f *fakeDecryptor) Decrypt(env secretenvelope.Envelope) (string, error) {
	if env.WrappedKey == f.failOn && f.failOn != "" {
		return "", errExpectedFakeFailure
	}
	return f.plaintext[env.WrappedKey], nil
}

var errExpectedFakeFailure = &fakeDecryptError{}

type fakeDecryptError struct{}

func (*fakeDecryptError) Error() string { return "fake decrypt failure" }

func TestMaterializeLayersInPrecedenceOrder(t *testing.T) {
	dec := &fakeDecryptor{plaintext: map[string]string{
		"sec-1": "my-secret-value",
		"chan-1": "telegram-token",
	}}

	plaintext, sensitive, err := Materialize(Input{
		PlatformDefaults: map[string]string{"PLATFORM_VAR": "default"},
		SandboxID:        "sandbox-123",
		GatewaySecret:    []byte("gw-secret"),
		UserEnvVars:      map[string]string{"MY_VAR": "user-value"},
		Secrets:          map[string]secretenvelope.Envelope{"MY_SECRET": {WrappedKey: "sec-1"}},
		Channels:         map[string]secretenvelope.Envelope{"telegram": {WrappedKey: "chan-1"}},
		Decryptor:        dec,
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	if plaintext["PLATFORM_VAR"] != "default" {
		t.Errorf("platform default missing: %+v", plaintext)
	}
	if plaintext["MY_VAR"] != "user-value" {
		t.Errorf("user env var missing: %+v", plaintext)
	}
	if sensitive["MY_SECRET"] != "my-secret-value" {
		t.Errorf("decrypted secret missing: %+v", sensitive)
	}
	if sensitive["TELEGRAM_BOT_TOKEN"] != "telegram-token" {
		t.Errorf("decrypted channel token missing: %+v", sensitive)
	}
	if plaintext["AUTO_APPROVE_DEVICES"] != "true" {
		t.Errorf("reserved system var missing: %+v", plaintext)
	}
	if sensitive["OPENCLAW_GATEWAY_TOKEN"] == "" {
		t.Error("expected a derived gateway token")
	}
}

func TestMaterializeRejectsReservedPrefixInUserEnv(t *testing.T) {
	_, _, err := Materialize(Input{
		UserEnvVars: map[string]string{"KILOCLAW_ENC_FOO": "bar"},
		Decryptor:   &fakeDecryptor{},
	})
	if err == nil {
		t.Fatal("expected error for user env var using a reserved prefix")
	}
}

func TestMaterializeRejectsUserOverrideOfGatewayToken(t *testing.T) {
	_, _, err := Materialize(Input{
		UserEnvVars: map[string]string{"OPENCLAW_GATEWAY_TOKEN": "hacked"},
		Decryptor:   &fakeDecryptor{},
	})
	if err == nil {
		t.Fatal("expected error rejecting a user-supplied OPENCLAW_GATEWAY_TOKEN override")
	}
}

func TestMaterializeUnknownChannelIsIgnored(t *testing.T) {
	dec := &fakeDecryptor{plaintext: map[string]string{"chan-x": "should-not-appear"}}
	_, sensitive, err := Materialize(Input{
		Channels:  map[string]secretenvelope.Envelope{"unknown_channel": {WrappedKey: "chan-x"}},
		Decryptor: dec,
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for k := range sensitive {
		if strings.Contains(k, "UNKNOWN") {
			t.Errorf("unknown channel should not produce an env var, got %q", k)
		}
	}
}

func TestMaterializePropagatesDecryptFailure(t *testing.T) {
	dec := &fakeDecryptor{failOn: "sec-bad"}
	_, _, err := Materialize(Input{
		Secrets:   map[string]secretenvelope.Envelope{"BAD_SECRET": {WrappedKey: "sec-bad"}},
		Decryptor: dec,
	})
	if err == nil {
		t.Fatal("expected Materialize to surface a secret decrypt failure")
	}
}

func TestBuildMachineEnvEncryptsSensitiveValuesOnly(t *testing.T) {
	key := randomKey(t)
	dec := &fakeDecryptor{plaintext: map[string]string{"sec-1": "topsecret"}}

	env, err := BuildMachineEnv(Input{
		UserEnvVars:   map[string]string{"PLAIN_VAR": "visible"},
		Secrets:       map[string]secretenvelope.Envelope{"MY_SECRET": {WrappedKey: "sec-1"}},
		GatewaySecret: []byte("gw"),
		SandboxID:     "sandbox-1",
		Decryptor:     dec,
	}, key)
	if err != nil {
		t.Fatalf("BuildMachineEnv: %v", err)
	}

	if env["PLAIN_VAR"] != "visible" {
		t.Errorf("plaintext var not passed through: %+v", env)
	}
	wire, ok := env[encryptedPrefix+"MY_SECRET"]
	if !ok {
		t.Fatalf("expected encrypted var under %s, got %+v", encryptedPrefix+"MY_SECRET", env)
	}
	if !strings.HasPrefix(wire, "enc:v1:") {
		t.Errorf("encrypted value missing wire prefix: %q", wire)
	}
	if _, ok := env["MY_SECRET"]; ok {
		t.Error("plaintext secret name should never appear unencrypted")
	}
}
