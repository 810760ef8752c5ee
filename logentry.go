package didwebvh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// LogEntry is one version of the DID: a DID Document snapshot plus the
// parameter diff and proof effective at that version. Entries are immutable
// once created; only the proof is populated at creation time.
type LogEntry struct {
	VersionID   string          `json:"versionId"`
	VersionTime string          `json:"versionTime"`
	Parameters  ParamDiff       `json:"parameters"`
	State       json.RawMessage `json:"state"`
	Proof       []Proof         `json:"proof,omitempty"`
}

// unsigned returns a copy of the entry with the proof omitted, the form that
// is canonicalized for hashing and signing.
func (le *LogEntry) unsigned() LogEntry {
	u := *le
	u.Proof = nil
	return u
}

// EntryHash computes the entry's chain hash: the entry minus its proof, with
// versionId replaced by the predecessor's versionId (the SCID for the genesis
// entry), JCS-canonicalized, SHA-256 multihashed and base58btc encoded.
// Deterministic: identical content sans proof always yields the same hash.
func (le *LogEntry) EntryHash(predecessorID string) (string, error) {
	u := le.unsigned()
	u.VersionID = predecessorID
	canon, err := canonicalize(&u)
	if err != nil {
		return "", err
	}
	mh, err := multihash.Sum(canon, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return base58.Encode(mh), nil
}

// GenerateSCID derives the self-certifying identifier from a preliminary
// genesis entry in which every occurrence of the SCID is the {SCID} sentinel.
func GenerateSCID(entry *LogEntry) (string, error) {
	return entry.EntryHash(SCIDPlaceholder)
}

// NextKeyHash computes the pre-rotation commitment for a multikey: the
// base58btc-encoded SHA-256 multihash of the multikey string.
func NextKeyHash(multikey string) string {
	mh, err := multihash.Sum([]byte(multikey), multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return base58.Encode(mh)
}

// splitVersionID parses "N-entryHash" into its components.
func splitVersionID(versionID string) (int, string, error) {
	numStr, hash, ok := strings.Cut(versionID, "-")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("%w: malformed versionId %q", ErrChainIntegrity, versionID)
	}
	num, err := strconv.Atoi(numStr)
	if err != nil || num < 1 {
		return 0, "", fmt.Errorf("%w: malformed versionId %q", ErrChainIntegrity, versionID)
	}
	return num, hash, nil
}

// CreateFirstEntry builds and signs the genesis log entry. The document and
// parameters must reference the SCID via the {SCID} sentinel; the real SCID
// is derived from the preliminary entry and substituted throughout.
func CreateFirstEntry(versionTime time.Time, document json.RawMessage, params Parameters, key SigningKey) (*LogEntry, error) {
	if params.Method == "" {
		params.Method = MethodVersion
	}
	if params.SCID == "" {
		params.SCID = SCIDPlaceholder
	}
	if params.SCID != SCIDPlaceholder {
		return nil, fmt.Errorf("%w: genesis parameters must use the SCID placeholder", ErrParameters)
	}
	if len(params.UpdateKeys) == 0 {
		return nil, fmt.Errorf("%w: genesis parameters must declare updateKeys", ErrParameters)
	}

	entry := &LogEntry{
		VersionID:   SCIDPlaceholder,
		VersionTime: versionTime.UTC().Format(time.RFC3339),
		Parameters:  params.Diff(nil),
		State:       document,
	}

	scid, err := GenerateSCID(entry)
	if err != nil {
		return nil, fmt.Errorf("generating SCID: %w", err)
	}

	// substitute the real SCID for every sentinel occurrence
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	raw = bytes.ReplaceAll(raw, []byte(SCIDPlaceholder), []byte(scid))
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, err
	}

	hash, err := entry.EntryHash(scid)
	if err != nil {
		return nil, err
	}
	entry.VersionID = "1-" + hash

	proof, err := SignProof(entry.unsigned(), key, ProofPurposeAssertion, entry.VersionTime)
	if err != nil {
		return nil, fmt.Errorf("signing genesis entry: %w", err)
	}
	entry.Proof = []Proof{proof}
	return entry, nil
}

// CreateLogEntry builds and signs the next entry in the chain.
func CreateLogEntry(prev *LogEntry, versionTime time.Time, document json.RawMessage, diff ParamDiff, key SigningKey) (*LogEntry, error) {
	prevNum, _, err := splitVersionID(prev.VersionID)
	if err != nil {
		return nil, err
	}

	entry := &LogEntry{
		VersionTime: versionTime.UTC().Format(time.RFC3339),
		Parameters:  diff,
		State:       document,
	}
	hash, err := entry.EntryHash(prev.VersionID)
	if err != nil {
		return nil, err
	}
	entry.VersionID = fmt.Sprintf("%d-%s", prevNum+1, hash)

	proof, err := SignProof(entry.unsigned(), key, ProofPurposeAssertion, entry.VersionTime)
	if err != nil {
		return nil, fmt.Errorf("signing entry %s: %w", entry.VersionID, err)
	}
	entry.Proof = []Proof{proof}
	return entry, nil
}

// docIdentity is the subset of the DID Document consulted during validation.
type docIdentity struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// Verify checks chain integrity, parameter evolution, and proof authorization
// for this entry. prev and prevParams are nil for the genesis entry. Returns
// the merged effective Parameters at this version.
func (le *LogEntry) Verify(prev *LogEntry, prevParams *Parameters, verifier ProofVerifier) (Parameters, error) {
	merged, err := le.Parameters.Apply(prevParams)
	if err != nil {
		return Parameters{}, err
	}

	num, hash, err := splitVersionID(le.VersionID)
	if err != nil {
		return Parameters{}, err
	}

	var predecessorID string
	if prev == nil {
		if num != 1 {
			return Parameters{}, fmt.Errorf("%w: genesis entry must be version 1, got %d", ErrChainIntegrity, num)
		}
		if err := le.verifySCID(merged.SCID); err != nil {
			return Parameters{}, err
		}
		predecessorID = merged.SCID
	} else {
		prevNum, _, err := splitVersionID(prev.VersionID)
		if err != nil {
			return Parameters{}, err
		}
		if num != prevNum+1 {
			return Parameters{}, fmt.Errorf("%w: version number %d does not follow %d", ErrChainIntegrity, num, prevNum)
		}
		predecessorID = prev.VersionID
	}

	recomputed, err := le.EntryHash(predecessorID)
	if err != nil {
		return Parameters{}, err
	}
	if recomputed != hash {
		return Parameters{}, fmt.Errorf("%w: entryHash mismatch at version %d", ErrChainIntegrity, num)
	}

	t, err := syntax.ParseDatetime(le.VersionTime)
	if err != nil {
		return Parameters{}, fmt.Errorf("%w: bad versionTime: %v", ErrChainIntegrity, err)
	}
	if prev != nil {
		prevT, err := syntax.ParseDatetime(prev.VersionTime)
		if err != nil {
			return Parameters{}, fmt.Errorf("%w: bad previous versionTime: %v", ErrChainIntegrity, err)
		}
		if !t.Time().After(prevT.Time()) {
			return Parameters{}, fmt.Errorf("%w: versionTime must advance at version %d", ErrChainIntegrity, num)
		}
	}

	if err := le.verifyDocumentIdentity(prev, prevParams, &merged); err != nil {
		return Parameters{}, err
	}

	if err := le.verifyProof(prevParams, &merged, verifier); err != nil {
		return Parameters{}, err
	}

	return merged, nil
}

// verifySCID recomputes the SCID from the placeholder-normalized form of the
// genesis entry and compares it to the claimed value.
func (le *LogEntry) verifySCID(scid string) error {
	u := le.unsigned()
	raw, err := json.Marshal(&u)
	if err != nil {
		return err
	}
	raw = bytes.ReplaceAll(raw, []byte(scid), []byte(SCIDPlaceholder))
	var prelim LogEntry
	if err := json.Unmarshal(raw, &prelim); err != nil {
		return err
	}
	prelim.VersionID = SCIDPlaceholder
	computed, err := GenerateSCID(&prelim)
	if err != nil {
		return err
	}
	if computed != scid {
		return fmt.Errorf("%w: genesis scid %s does not match recomputed value %s", ErrChainIntegrity, scid, computed)
	}
	return nil
}

// verifyDocumentIdentity checks that the document id embeds the SCID and that
// a domain migration is only accepted under the portability rules: identical
// SCID and an alsoKnownAs reference back to the prior DID.
func (le *LogEntry) verifyDocumentIdentity(prev *LogEntry, prevParams *Parameters, merged *Parameters) error {
	var doc docIdentity
	if len(le.State) == 0 {
		return fmt.Errorf("%w: entry has no state document", ErrChainIntegrity)
	}
	if err := json.Unmarshal(le.State, &doc); err != nil {
		return fmt.Errorf("%w: bad state document: %v", ErrChainIntegrity, err)
	}
	if doc.ID == "" {
		return fmt.Errorf("%w: state document has no id", ErrChainIntegrity)
	}
	did, err := ParseDID(doc.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChainIntegrity, err)
	}
	if did.SCID != merged.SCID {
		return fmt.Errorf("%w: document id does not embed the SCID", ErrChainIntegrity)
	}

	if prev == nil {
		return nil
	}
	var prevDoc docIdentity
	if err := json.Unmarshal(prev.State, &prevDoc); err != nil {
		return fmt.Errorf("%w: bad previous state document: %v", ErrChainIntegrity, err)
	}
	if prevDoc.ID == doc.ID {
		return nil
	}
	// domain migration
	if prevParams == nil || !prevParams.Portable {
		return fmt.Errorf("%w: DID is not portable, document id cannot change", ErrParameters)
	}
	if !slices.Contains(doc.AlsoKnownAs, prevDoc.ID) {
		return fmt.Errorf("%w: migrated document must reference the prior DID in alsoKnownAs", ErrParameters)
	}
	return nil
}

// verifyProof checks that at least one proof was produced by a key authorized
// by the effective parameters, honoring any pre-rotation commitment from the
// previous version.
func (le *LogEntry) verifyProof(prevParams *Parameters, merged *Parameters, verifier ProofVerifier) error {
	if len(le.Proof) == 0 {
		return fmt.Errorf("%w: entry has no proof", ErrSignature)
	}
	authorized := merged.UpdateKeys
	if len(authorized) == 0 && merged.Deactivated && prevParams != nil {
		// a deactivation entry may null its updateKeys; it is authorized by
		// the keys that were active going into it
		authorized = prevParams.UpdateKeys
	}
	if len(authorized) == 0 {
		return fmt.Errorf("%w: no updateKeys to verify against", ErrSignature)
	}

	lastErr := fmt.Errorf("%w: no authorized proof found", ErrSignature)
	for _, proof := range le.Proof {
		didKey, err := proof.DIDKey()
		if err != nil {
			lastErr = err
			continue
		}
		multikey := strings.TrimPrefix(didKey, "did:key:")
		if !slices.Contains(authorized, multikey) {
			lastErr = fmt.Errorf("%w: key %s is not an authorized updateKey", ErrSignature, multikey)
			continue
		}
		if prevParams != nil && len(prevParams.NextKeyHashes) > 0 {
			if !slices.Contains(prevParams.NextKeyHashes, NextKeyHash(multikey)) {
				lastErr = fmt.Errorf("%w: key %s does not match any pre-rotation commitment", ErrSignature, multikey)
				continue
			}
		}
		if err := verifier.Verify(le.unsigned(), proof, didKey); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
