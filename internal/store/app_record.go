package store

// AppRecord is the per-user Application record owned exclusively by the App
// Controller (spec §3). All fields are tolerant of zero values so that a
// freshly-hydrated record and a never-persisted one are indistinguishable.
type AppRecord struct {
	UserID string `json:"user_id"`
	// AppName is the deterministic prefix-<sha256(user_id)> derivation,
	// cached once it's computed so every caller agrees on it.
	AppName string `json:"app_name"`

	IPv6Allocated bool `json:"ipv6_allocated"`
	IPv4Allocated bool `json:"ipv4_allocated"`

	EnvKeySet bool   `json:"env_key_set"`
	EnvKey    string `json:"env_key"` // base64-encoded 32 random bytes

	IsSetupComplete bool `json:"is_setup_complete"`
}

// Empty reports whether the record has never been bound to a user —
// the zero value.
func (r AppRecord) Empty() bool {
	return r.UserID == ""
}
