package didwebvh

import (
	"encoding/json"
)

// witnessSignedDoc is the document a witness signs: just the versionId it is
// attesting to.
type witnessSignedDoc struct {
	VersionID string `json:"versionId"`
}

// WitnessProof is one element of the witness proof file: the proofs supplied
// for a single version.
type WitnessProof struct {
	VersionID string  `json:"versionId"`
	Proof     []Proof `json:"proof"`
}

// SignWitnessProof produces a witness attestation for a versionId.
func SignWitnessProof(versionID string, key SigningKey) (WitnessProof, error) {
	proof, err := SignProof(witnessSignedDoc{VersionID: versionID}, key, ProofPurposeAssertion, "")
	if err != nil {
		return WitnessProof{}, err
	}
	return WitnessProof{VersionID: versionID, Proof: []Proof{proof}}, nil
}

// witnessAttestation is a single witness's applicable proof, derived by
// GenerateProofState.
type witnessAttestation struct {
	versionID  string
	versionNum int
	proof      Proof
}

// WitnessProofCollection accumulates witness proofs over the log's lifetime,
// keyed by versionId. The derived proof state is recomputed relative to the
// highest surviving version before each validation pass.
type WitnessProofCollection struct {
	proofs map[string][]Proof
	order  []string // versionIds in insertion order

	// per-witness applicable attestation, valid after GenerateProofState
	state map[string]witnessAttestation
}

func NewWitnessProofCollection() *WitnessProofCollection {
	return &WitnessProofCollection{
		proofs: make(map[string][]Proof),
	}
}

// AddProof inserts or appends a proof for a version. Duplicate proofs from
// the same witness are resolved last-write-wins by GenerateProofState.
func (c *WitnessProofCollection) AddProof(versionID string, proof Proof) {
	if _, ok := c.proofs[versionID]; !ok {
		c.order = append(c.order, versionID)
	}
	c.proofs[versionID] = append(c.proofs[versionID], proof)
}

func (c *WitnessProofCollection) MarshalJSON() ([]byte, error) {
	out := make([]WitnessProof, 0, len(c.order))
	for _, vid := range c.order {
		out = append(out, WitnessProof{VersionID: vid, Proof: c.proofs[vid]})
	}
	return json.Marshal(out)
}

func (c *WitnessProofCollection) UnmarshalJSON(b []byte) error {
	var entries []WitnessProof
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	c.proofs = make(map[string][]Proof)
	c.order = nil
	c.state = nil
	for _, e := range entries {
		for _, p := range e.Proof {
			c.AddProof(e.VersionID, p)
		}
	}
	return nil
}

// GenerateProofState derives, for each witness, the newest version it has
// attested to, capped at highestVersion. A witness's attestation for version
// v counts as evidence for every version up to and including v, so older
// proofs from the same witness are superseded and pruned from the
// collection. Among duplicates for the same version, the proof added last
// wins.
func (c *WitnessProofCollection) GenerateProofState(highestVersion int) {
	c.state = make(map[string]witnessAttestation)

	for _, vid := range c.order {
		num, _, err := splitVersionID(vid)
		if err != nil || num > highestVersion {
			// versions beyond the surviving log carry no evidence
			continue
		}
		for _, p := range c.proofs[vid] {
			didKey, err := p.DIDKey()
			if err != nil {
				continue
			}
			prev, ok := c.state[didKey]
			if ok && prev.versionNum > num {
				continue
			}
			c.state[didKey] = witnessAttestation{versionID: vid, versionNum: num, proof: p}
		}
	}

	// prune superseded proofs, keeping only each witness's winning attestation
	pruned := make(map[string][]Proof)
	var order []string
	for _, att := range c.state {
		if _, ok := pruned[att.versionID]; !ok {
			order = append(order, att.versionID)
		}
		pruned[att.versionID] = append(pruned[att.versionID], att.proof)
	}
	c.proofs = pruned
	c.order = order
}

// ValidateLogEntry checks the witness threshold for one validated entry
// against the derived proof state. An absent or empty witness set is
// trivially satisfied. A witness's attestation only counts if it covers the
// entry's own chain position, and each attestation is cryptographically
// verified against the witness's did:key.
func (c *WitnessProofCollection) ValidateLogEntry(entry *LogEntryState, verifier ProofVerifier) bool {
	ws := entry.ActiveWitness
	if ws == nil || len(ws.Witnesses) == 0 {
		return true
	}

	valid := 0
	for _, w := range ws.Witnesses {
		att, ok := c.state[w.ID]
		if !ok {
			continue
		}
		if att.versionNum < entry.VersionNumber {
			// proof predates this entry, not evidence for it
			continue
		}
		doc := witnessSignedDoc{VersionID: att.versionID}
		if err := verifier.Verify(doc, att.proof, w.ID); err != nil {
			continue
		}
		valid++
	}
	return valid >= ws.Threshold
}
