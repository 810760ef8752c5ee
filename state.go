package didwebvh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// ValidationStatus tracks how far an entry has progressed through the
// validation pipeline. Transitions are one-way; Invalid is terminal.
type ValidationStatus int

const (
	StatusNotValidated ValidationStatus = iota
	StatusLogEntryOnly
	StatusWitnessProof
	StatusOk
	StatusInvalid
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusNotValidated:
		return "not_validated"
	case StatusLogEntryOnly:
		return "log_entry_only"
	case StatusWitnessProof:
		return "witness_proof"
	case StatusOk:
		return "ok"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// LogEntryState wraps a LogEntry with its validation state and the metadata
// derived during validation. It is rebuilt on every validation pass.
type LogEntryState struct {
	Entry *LogEntry

	VersionNumber int
	VersionTime   time.Time
	// Params is the merged effective policy at this version.
	Params Parameters
	// ActiveWitness is the witness set that must attest this version: the
	// genesis set for version 1, otherwise the set effective at the
	// previous version (witness changes lag by one version).
	ActiveWitness *WitnessSet

	Status        ValidationStatus
	InvalidReason error
}

// advance moves the status forward. Backward transitions and transitions out
// of Invalid are ignored.
func (s *LogEntryState) advance(to ValidationStatus) {
	if s.Status == StatusInvalid || to <= s.Status {
		return
	}
	s.Status = to
}

func (s *LogEntryState) invalidate(err error) {
	if s.Status == StatusInvalid {
		return
	}
	s.Status = StatusInvalid
	s.InvalidReason = err
}

func (s *LogEntryState) reset() {
	s.Status = StatusNotValidated
	s.InvalidReason = nil
	s.VersionNumber = 0
	s.Params = Parameters{}
	s.ActiveWitness = nil
}

// ResolutionMetadata is derived from the surviving log after validation.
type ResolutionMetadata struct {
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	Deactivated bool      `json:"deactivated"`
	VersionID   string    `json:"versionId"`
	VersionTime time.Time `json:"versionTime"`
}

// DIDWebVHState drives end-to-end validation over an ordered log. Each
// resolution owns its own state; validation is synchronous, in-memory, and
// performs no I/O.
type DIDWebVHState struct {
	// Entries is the index-addressed log; truncated in place by Validate.
	Entries []*LogEntryState
	// WitnessProofs accumulates attestations from the witness proof file.
	WitnessProofs *WitnessProofCollection

	// Verifier checks Data Integrity proofs; defaults to MultikeyVerifier.
	Verifier ProofVerifier

	// Populated by a successful Validate.
	Document json.RawMessage
	Meta     ResolutionMetadata
}

func NewDIDWebVHState() *DIDWebVHState {
	return &DIDWebVHState{
		WitnessProofs: NewWitnessProofCollection(),
		Verifier:      MultikeyVerifier{},
	}
}

// AddEntry appends a log entry to the arena.
func (s *DIDWebVHState) AddEntry(le *LogEntry) {
	s.Entries = append(s.Entries, &LogEntryState{Entry: le})
}

// Validate walks the log in order, truncating at the first failing entry,
// then validates witness thresholds against the highest surviving version.
// On success the resolved document and metadata are populated. Validation is
// idempotent: re-running it over an already-validated log yields the same
// resolved document and retained entry count.
func (s *DIDWebVHState) Validate() error {
	if len(s.Entries) == 0 {
		return ErrNoValidEntries
	}
	for _, st := range s.Entries {
		st.reset()
	}

	var prev *LogEntryState
	kept := 0
	for i, st := range s.Entries {
		var prevEntry *LogEntry
		var prevParams *Parameters
		if prev != nil {
			prevEntry = prev.Entry
			prevParams = &prev.Params
		}

		merged, err := st.Entry.Verify(prevEntry, prevParams, s.Verifier)
		if err != nil {
			if i == 0 {
				return fmt.Errorf("genesis entry invalid: %w", err)
			}
			st.invalidate(err)
			break
		}

		num, _, _ := splitVersionID(st.Entry.VersionID)
		t, _ := syntax.ParseDatetime(st.Entry.VersionTime)
		st.VersionNumber = num
		st.VersionTime = t.Time()
		st.Params = merged
		if prev == nil {
			st.ActiveWitness = merged.Witness
		} else {
			st.ActiveWitness = prev.Params.Witness
		}
		st.advance(StatusLogEntryOnly)

		kept = i + 1
		prev = st

		// a deactivation entry is terminal for the whole log
		if merged.Deactivated {
			break
		}
	}

	s.Entries = s.Entries[:kept]
	if kept == 0 {
		return ErrNoValidEntries
	}

	highest := s.Entries[kept-1].VersionNumber
	s.WitnessProofs.GenerateProofState(highest)

	for i, st := range s.Entries {
		if !s.WitnessProofs.ValidateLogEntry(st, s.Verifier) {
			err := fmt.Errorf("%w: version %d", ErrWitnessThreshold, st.VersionNumber)
			st.invalidate(err)
			if i == 0 {
				s.Entries = s.Entries[:0]
				return fmt.Errorf("genesis entry invalid: %w", err)
			}
			s.Entries = s.Entries[:i]
			break
		}
		st.advance(StatusWitnessProof)
	}

	for _, st := range s.Entries {
		st.advance(StatusOk)
	}

	last := s.Entries[len(s.Entries)-1]
	s.Document = last.Entry.State
	s.Meta = ResolutionMetadata{
		Created:     s.Entries[0].VersionTime,
		Updated:     last.VersionTime,
		Deactivated: last.Params.Deactivated,
		VersionID:   last.Entry.VersionID,
		VersionTime: last.VersionTime,
	}
	return nil
}
