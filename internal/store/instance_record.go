package store

// Status is the Instance record's state-machine position (spec §3 Lifecycle).
type Status string

const (
	StatusProvisioned Status = "provisioned"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusDestroying  Status = "destroying"
)

// MachineSize is the requested guest compute shape.
type MachineSize struct {
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
	CPUKind  string `json:"cpu_kind"`
}

// InstanceRecord is the per-user Instance record owned exclusively by the
// Instance Controller (spec §3). Every field round-trips through JSON so a
// record written by an older schema version still parses — unknown newer
// fields default to their zero value.
type InstanceRecord struct {
	UserID    string `json:"user_id"`
	SandboxID string `json:"sandbox_id"`

	Status Status `json:"status"`

	EnvVars           map[string]string `json:"env_vars,omitempty"`
	EncryptedSecrets  map[string]string `json:"encrypted_secrets,omitempty"`
	Channels          map[string]string `json:"channels,omitempty"`
	KilocodeAPIKey       string   `json:"kilocode_api_key,omitempty"`
	KilocodeDefaultModel string   `json:"kilocode_default_model,omitempty"`
	KilocodeModels       []string `json:"kilocode_models,omitempty"`

	MachineSize *MachineSize `json:"machine_size,omitempty"`

	ProvisionedAt  *int64 `json:"provisioned_at,omitempty"`
	LastStartedAt  *int64 `json:"last_started_at,omitempty"`
	LastStoppedAt  *int64 `json:"last_stopped_at,omitempty"`

	FlyAppName    string `json:"fly_app_name,omitempty"`
	FlyMachineID  string `json:"fly_machine_id,omitempty"`
	FlyVolumeID   string `json:"fly_volume_id,omitempty"`
	FlyRegion     string `json:"fly_region,omitempty"`

	HealthCheckFailCount int `json:"health_check_fail_count"`

	PendingDestroyMachineID string `json:"pending_destroy_machine_id,omitempty"`
	PendingDestroyVolumeID  string `json:"pending_destroy_volume_id,omitempty"`

	LastMetadataRecoveryAt *int64 `json:"last_metadata_recovery_at,omitempty"`
}

// Empty reports whether the record has never been bound to a user.
func (r InstanceRecord) Empty() bool {
	return r.UserID == ""
}

// EnvVarCount, SecretCount and ChannelCount back the Platform API's
// StatusView (spec §6) without leaking the maps themselves.
func (r InstanceRecord) EnvVarCount() int  { return len(r.EnvVars) }
func (r InstanceRecord) SecretCount() int  { return len(r.EncryptedSecrets) }
func (r InstanceRecord) ChannelCount() int { return len(r.Channels) }
