package lint

import (
	"encoding/json"
	"fmt"
	"os"
)

// Provenance is the record written next to every built artifact. The loader
// re-checks it independently of configuration before trusting the artifact:
// the recorded lint set must cover the baseline.
type Provenance struct {
	Unit  string   `json:"unit"`
	Entry string   `json:"entry"`
	Lints []string `json:"lints"`
}

// ProvenancePath returns the sidecar path for an artifact.
func ProvenancePath(artifact string) string {
	return artifact + ".provenance.json"
}

// Write stores the record atomically next to the artifact.
func (p *Provenance) Write(artifact string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := ProvenancePath(artifact) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ProvenancePath(artifact))
}

// ReadProvenance loads and verifies the sidecar of an artifact.
func ReadProvenance(artifact string) (*Provenance, error) {
	data, err := os.ReadFile(ProvenancePath(artifact))
	if err != nil {
		return nil, fmt.Errorf("reading artifact provenance: %w", err)
	}
	var p Provenance
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing artifact provenance: %w", err)
	}
	set := make(Set, len(p.Lints))
	for _, n := range p.Lints {
		set[n] = struct{}{}
	}
	if err := set.VerifyBaseline(); err != nil {
		return nil, err
	}
	return &p, nil
}
