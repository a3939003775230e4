package flyclient

// Guest describes the CPU/memory shape of a machine.
type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// Mount attaches a volume into a machine's filesystem.
type Mount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

// Service describes a port exposed by a machine.
type Service struct {
	Protocol     string `json:"protocol"`
	InternalPort int    `json:"internal_port"`
	Ports        []Port `json:"ports"`
}

// Port is one externally reachable port mapping on a Service.
type Port struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

// MachineConfig is the desired-state config body the provider expects on
// machine create/update.
type MachineConfig struct {
	Image    string            `json:"image"`
	Guest    Guest             `json:"guest"`
	Env      map[string]string `json:"env,omitempty"`
	Mounts   []Mount           `json:"mounts,omitempty"`
	Services []Service         `json:"services,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Machine is the provider's representation of a running/stopped instance.
type Machine struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Region     string        `json:"region"`
	InstanceID string        `json:"instance_id"`
	Config     MachineConfig `json:"config"`
	UpdatedAt  string        `json:"updated_at"`
	CreatedAt  string        `json:"created_at"`
}

// App is the provider's representation of an application namespace.
type App struct {
	Name string `json:"name"`
	Org  string `json:"org_slug"`
}

// IPAddress is an allocated IP on an app.
type IPAddress struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
	Region  string `json:"region,omitempty"`
}

// Volume is a persistent block volume attached by name to mounts.
type Volume struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Region    string `json:"region"`
	SizeGB    int    `json:"size_gb"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

// Snapshot is a point-in-time volume snapshot.
type Snapshot struct {
	ID        string `json:"id"`
	VolumeID  string `json:"volume_id"`
	CreatedAt string `json:"created_at"`
}

// ExecResult is the outcome of a one-shot command run inside a machine.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
