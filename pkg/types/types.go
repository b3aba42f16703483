package types

import "strings"

// BuildStatus is the terminal-monotonic status of a Build.
type BuildStatus string

const (
	BuildWaiting BuildStatus = "waiting"
	BuildRunning BuildStatus = "running"
	BuildDone    BuildStatus = "done"
	BuildFailed  BuildStatus = "failed"
)

// Project maps a project key to its source repository URL.
type Project struct {
	Key     string `json:"key"`
	RepoURL string `json:"repo_url"`
}

// Buildspec is the parsed contents of a project's Buildspec document.
type Buildspec struct {
	BaseDomain string   `yaml:"base_domain" json:"base_domain"`
	Install    []string `yaml:"install,omitempty" json:"install,omitempty"`
	Start      []string `yaml:"start,omitempty" json:"start,omitempty"`
}

// Steps returns the ordered list of commands the lifecycle driver executes
// inside the guest, install steps before start steps.
func (b Buildspec) Steps() []string {
	steps := make([]string, 0, len(b.Install)+len(b.Start))
	steps = append(steps, b.Install...)
	steps = append(steps, b.Start...)
	return steps
}

// Build is a single scheduled build and its terminal outcome.
type Build struct {
	ID         int64       `json:"id"`
	ProjectKey string      `json:"project_key"`
	CommitID   string      `json:"commit_id"`
	Status     BuildStatus `json:"status"`
	Buildspec  string      `json:"buildspec"`
}

// HypervisorEndpoint identifies one member of the configured hypervisor pool.
type HypervisorEndpoint struct {
	Key     string `json:"key"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Driver  string `json:"driver"`
	Mode    string `json:"mode"`
}

// DescriptorTemplate holds the raw domain/volume XML templates seeded for one
// base image, read once from workdir and mutated in memory per build.
type DescriptorTemplate struct {
	BaseDomain string
	DomainXML  string
	VolumeXML  string
}

// InstanceRecord is the rendezvous hash joining scheduler-side facts written
// at domain creation (phase 1) with guest-reported facts written on
// phone-home (phase 2). Phase 2 fields are the zero value until the guest
// calls home.
type InstanceRecord struct {
	// Phase 1, written by the lifecycle driver.
	Hypervisor string `json:"hypervisor"`
	MACAddress string `json:"mac_address"`
	VNCPort    string `json:"vncport"`
	VNCPasswd  string `json:"vncpasswd"`

	// Phase 2, written by the metadata server on phone-home.
	Hostname  string            `json:"hostname,omitempty"`
	Status    string            `json:"status,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	PubKeys   map[string]string `json:"pub_keys,omitempty"`
}

// Running reports whether phase 2 has completed: status is "running" and at
// least one public key is present, matching the invariant in the state-store
// design that status=running implies ip_address and a pub_key are present.
func (r InstanceRecord) Running() bool {
	return r.Status == "running" && r.IPAddress != "" && len(r.PubKeys) > 0
}

// Phase1Fields returns the hash fields the lifecycle driver writes to
// instancedata:<uuid> right after domain creation (§4.F step 10).
func (r InstanceRecord) Phase1Fields() map[string]string {
	return map[string]string{
		"hypervisor":  r.Hypervisor,
		"mac_address": r.MACAddress,
		"vncport":     r.VNCPort,
		"vncpasswd":   r.VNCPasswd,
	}
}

// Phase2Fields returns the hash fields the metadata server writes on
// phone-home (§4.G), flattening PubKeys back into pub_key_<algorithm>
// fields the way the store's hash actually holds them.
func (r InstanceRecord) Phase2Fields() map[string]string {
	fields := map[string]string{
		"hostname": r.Hostname,
		"status":   r.Status,
	}
	if r.IPAddress != "" {
		fields["ip_address"] = r.IPAddress
	}
	for algorithm, key := range r.PubKeys {
		fields["pub_key_"+algorithm] = key
	}
	return fields
}

// ParseInstanceRecord reconstructs an InstanceRecord from the flat hash
// fields read back from the store (HGetAll), folding any pub_key_<algorithm>
// field into PubKeys.
func ParseInstanceRecord(fields map[string]string) InstanceRecord {
	rec := InstanceRecord{
		Hypervisor: fields["hypervisor"],
		MACAddress: fields["mac_address"],
		VNCPort:    fields["vncport"],
		VNCPasswd:  fields["vncpasswd"],
		Hostname:   fields["hostname"],
		Status:     fields["status"],
		IPAddress:  fields["ip_address"],
	}
	for field, value := range fields {
		if algorithm, ok := strings.CutPrefix(field, "pub_key_"); ok {
			if rec.PubKeys == nil {
				rec.PubKeys = make(map[string]string)
			}
			rec.PubKeys[algorithm] = value
		}
	}
	return rec
}
