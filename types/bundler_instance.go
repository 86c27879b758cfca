package types

import "time"

// BundlerStatus is the registry-visible liveness state of a bundler
// instance (section 3).
type BundlerStatus string

const (
	BundlerUp      BundlerStatus = "UP"
	BundlerDown    BundlerStatus = "DOWN"
	BundlerStopped BundlerStatus = "STOPPED"
)

// Policy holds the per-instance admission knobs of section 4.1.1.
type Policy struct {
	Strict              bool    `json:"strict"`
	MinPriorityFeeGwei   float64 `json:"minPriorityFeeGwei"`
	MinMaxFeeGwei        float64 `json:"minMaxFeeGwei"`
	MinValidUntilSeconds uint64  `json:"minValidUntilSeconds"`
	// FailureRate in [0,1): probability an admission is rejected with
	// INTERNAL, to simulate flaky bundlers in demos.
	FailureRate float64 `json:"failureRate" validate:"gte=0,lt=1"`
	// DelayMs sleeps after acceptance, before the bundling attempt.
	DelayMs int `json:"delayMs"`
}

// BundlerInstance is a registry record for one bundler engine process
// (section 3). It carries no process handle: the supervisor in ops
// keeps each child's *exec.Cmd in its own map, which keeps this
// package free of os/exec.
type BundlerInstance struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	RPCURL     string        `json:"rpcUrl"`
	Status     BundlerStatus `json:"status"`
	Policy     Policy        `json:"policy"`
	Spawned    bool          `json:"spawned"`
	SpawnedAt  *time.Time    `json:"spawnedAt,omitempty"`
	LastSeen   *time.Time    `json:"lastSeen,omitempty"`
	ConfigPath string        `json:"configPath,omitempty"`
}

// PublicView strips fields (and, by construction, the process handle
// that never lives on this struct) not meant for unauthenticated
// callers (section 4.2.1 listPublic).
func (b BundlerInstance) PublicView() BundlerInstance {
	v := b
	v.ConfigPath = ""
	return v
}
