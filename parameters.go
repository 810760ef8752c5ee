package didwebvh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MethodVersion is the method identifier carried in the genesis parameters.
const MethodVersion = "did:webvh:1.0"

var (
	ErrParameters       = errors.New("invalid parameter transition")
	ErrChainIntegrity   = errors.New("log entry chain integrity violation")
	ErrSignature        = errors.New("log entry signature invalid")
	ErrWitnessThreshold = errors.New("witness threshold not met")
	ErrDeactivated      = errors.New("DID is deactivated")
	ErrNoValidEntries   = errors.New("no validated log entries")
)

type fieldState uint8

const (
	fieldUnchanged fieldState = iota
	fieldCleared
	fieldSet
)

// Field is a tri-state optional used in parameter diffs. An absent field means
// "inherit the previous value", an explicit JSON null means "clear", and a
// value means "replace".
type Field[T any] struct {
	state fieldState
	value T
}

func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldSet, value: v}
}

func Clear[T any]() Field[T] {
	return Field[T]{state: fieldCleared}
}

// IsZero reports whether the field is in the "unchanged" state, so that
// encoding/json's omitzero tag drops it from the serialized diff.
func (f Field[T]) IsZero() bool {
	return f.state == fieldUnchanged
}

func (f Field[T]) IsSet() bool {
	return f.state == fieldSet
}

func (f Field[T]) IsCleared() bool {
	return f.state == fieldCleared
}

// Value returns the set value, and whether the field is in the set state.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == fieldSet
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	switch f.state {
	case fieldCleared:
		return []byte("null"), nil
	case fieldSet:
		return json.Marshal(f.value)
	}
	// omitzero should prevent this; emit null rather than invalid JSON
	return []byte("null"), nil
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = Field[T]{state: fieldCleared}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Field[T]{state: fieldSet, value: v}
	return nil
}

// Witness identifies a single witness by its did:key DID.
type Witness struct {
	ID string `json:"id"`
}

// WitnessSet is the witness policy: a threshold of distinct witnesses from the
// set must attest each version.
type WitnessSet struct {
	Threshold int       `json:"threshold"`
	Witnesses []Witness `json:"witnesses"`
}

func (ws *WitnessSet) validate() error {
	if len(ws.Witnesses) == 0 {
		return fmt.Errorf("%w: witness set is empty", ErrParameters)
	}
	if ws.Threshold < 1 {
		return fmt.Errorf("%w: witness threshold must be at least 1", ErrParameters)
	}
	if ws.Threshold > len(ws.Witnesses) {
		return fmt.Errorf("%w: witness threshold %d exceeds witness count %d",
			ErrParameters, ws.Threshold, len(ws.Witnesses))
	}
	for _, w := range ws.Witnesses {
		if !strings.HasPrefix(w.ID, "did:key:") {
			return fmt.Errorf("%w: witness id %q is not a did:key", ErrParameters, w.ID)
		}
	}
	return nil
}

func (ws *WitnessSet) equal(other *WitnessSet) bool {
	if ws == nil || other == nil {
		return ws == other
	}
	return ws.Threshold == other.Threshold && slices.Equal(ws.Witnesses, other.Witnesses)
}

// ParamDiff is the per-entry `parameters` object: only the fields that change
// relative to the previous effective Parameters appear on the wire.
type ParamDiff struct {
	Method        Field[string]      `json:"method,omitzero"`
	SCID          Field[string]      `json:"scid,omitzero"`
	UpdateKeys    Field[[]string]    `json:"updateKeys,omitzero"`
	NextKeyHashes Field[[]string]    `json:"nextKeyHashes,omitzero"`
	Portable      Field[bool]        `json:"portable,omitzero"`
	Witness       Field[*WitnessSet] `json:"witness,omitzero"`
	Watchers      Field[[]string]    `json:"watchers,omitzero"`
	Deactivated   Field[bool]        `json:"deactivated,omitzero"`
}

// Parameters is the cumulative effective policy at a given version.
type Parameters struct {
	Method        string
	SCID          string
	UpdateKeys    []string
	NextKeyHashes []string
	Portable      bool
	Witness       *WitnessSet
	Watchers      []string
	Deactivated   bool
}

// Diff produces the minimal ParamDiff that turns prev into p. With prev == nil
// it produces the genesis diff, carrying every non-default field.
func (p Parameters) Diff(prev *Parameters) ParamDiff {
	var d ParamDiff
	if prev == nil {
		d.Method = Set(p.Method)
		d.SCID = Set(p.SCID)
		d.UpdateKeys = Set(p.UpdateKeys)
		if len(p.NextKeyHashes) > 0 {
			d.NextKeyHashes = Set(p.NextKeyHashes)
		}
		if p.Portable {
			d.Portable = Set(true)
		}
		if p.Witness != nil {
			d.Witness = Set(p.Witness)
		}
		if len(p.Watchers) > 0 {
			d.Watchers = Set(p.Watchers)
		}
		return d
	}

	if p.Method != prev.Method {
		d.Method = Set(p.Method)
	}
	if p.SCID != prev.SCID {
		d.SCID = Set(p.SCID)
	}
	if !slices.Equal(p.UpdateKeys, prev.UpdateKeys) {
		d.UpdateKeys = diffSlice(p.UpdateKeys)
	}
	if !slices.Equal(p.NextKeyHashes, prev.NextKeyHashes) {
		d.NextKeyHashes = diffSlice(p.NextKeyHashes)
	}
	if p.Portable != prev.Portable {
		d.Portable = Set(p.Portable)
	}
	if !p.Witness.equal(prev.Witness) {
		if p.Witness == nil {
			d.Witness = Clear[*WitnessSet]()
		} else {
			d.Witness = Set(p.Witness)
		}
	}
	if !slices.Equal(p.Watchers, prev.Watchers) {
		d.Watchers = diffSlice(p.Watchers)
	}
	if p.Deactivated != prev.Deactivated {
		d.Deactivated = Set(p.Deactivated)
	}
	return d
}

func diffSlice(v []string) Field[[]string] {
	if len(v) == 0 {
		return Clear[[]string]()
	}
	return Set(v)
}

// Apply merges the diff onto the inherited effective state and validates the
// transition. prev is nil for the genesis entry.
func (d ParamDiff) Apply(prev *Parameters) (Parameters, error) {
	if prev == nil {
		return d.applyGenesis()
	}
	if prev.Deactivated {
		return Parameters{}, fmt.Errorf("%w: no updates are accepted after deactivation", ErrDeactivated)
	}

	merged := *prev

	if m, ok := d.Method.Value(); ok {
		if m != MethodVersion {
			return Parameters{}, fmt.Errorf("%w: unsupported method %q", ErrParameters, m)
		}
		merged.Method = m
	} else if d.Method.IsCleared() {
		return Parameters{}, fmt.Errorf("%w: method cannot be cleared", ErrParameters)
	}

	if s, ok := d.SCID.Value(); ok && s != prev.SCID {
		return Parameters{}, fmt.Errorf("%w: scid cannot change after the genesis entry", ErrParameters)
	} else if d.SCID.IsCleared() {
		return Parameters{}, fmt.Errorf("%w: scid cannot be cleared", ErrParameters)
	}

	if keys, ok := d.UpdateKeys.Value(); ok {
		merged.UpdateKeys = keys
	} else if d.UpdateKeys.IsCleared() {
		merged.UpdateKeys = nil
	}

	if hashes, ok := d.NextKeyHashes.Value(); ok {
		merged.NextKeyHashes = hashes
	} else if d.NextKeyHashes.IsCleared() {
		merged.NextKeyHashes = nil
	}

	if portable, ok := d.Portable.Value(); ok {
		// once portability has been given up it cannot be regained
		if portable && !prev.Portable {
			return Parameters{}, fmt.Errorf("%w: portable cannot be re-enabled", ErrParameters)
		}
		merged.Portable = portable
	} else if d.Portable.IsCleared() {
		merged.Portable = false
	}

	if ws, ok := d.Witness.Value(); ok {
		if ws != nil {
			if err := ws.validate(); err != nil {
				return Parameters{}, err
			}
		}
		merged.Witness = ws
	} else if d.Witness.IsCleared() {
		merged.Witness = nil
	}

	if watchers, ok := d.Watchers.Value(); ok {
		merged.Watchers = watchers
	} else if d.Watchers.IsCleared() {
		merged.Watchers = nil
	}

	if deactivated, ok := d.Deactivated.Value(); ok {
		merged.Deactivated = deactivated
	} else if d.Deactivated.IsCleared() {
		return Parameters{}, fmt.Errorf("%w: deactivated cannot be cleared", ErrParameters)
	}

	if !merged.Deactivated && len(merged.UpdateKeys) == 0 {
		return Parameters{}, fmt.Errorf("%w: updateKeys cannot be empty while the DID is active", ErrParameters)
	}

	return merged, nil
}

func (d ParamDiff) applyGenesis() (Parameters, error) {
	var merged Parameters

	m, ok := d.Method.Value()
	if !ok {
		return Parameters{}, fmt.Errorf("%w: genesis parameters must declare a method", ErrParameters)
	}
	if m != MethodVersion {
		return Parameters{}, fmt.Errorf("%w: unsupported method %q", ErrParameters, m)
	}
	merged.Method = m

	scid, ok := d.SCID.Value()
	if !ok || scid == "" {
		return Parameters{}, fmt.Errorf("%w: genesis parameters must declare a scid", ErrParameters)
	}
	merged.SCID = scid

	keys, ok := d.UpdateKeys.Value()
	if !ok || len(keys) == 0 {
		return Parameters{}, fmt.Errorf("%w: genesis parameters must declare updateKeys", ErrParameters)
	}
	merged.UpdateKeys = keys

	if hashes, ok := d.NextKeyHashes.Value(); ok {
		merged.NextKeyHashes = hashes
	}
	if portable, ok := d.Portable.Value(); ok {
		merged.Portable = portable
	}
	if ws, ok := d.Witness.Value(); ok && ws != nil {
		if err := ws.validate(); err != nil {
			return Parameters{}, err
		}
		merged.Witness = ws
	}
	if watchers, ok := d.Watchers.Value(); ok {
		merged.Watchers = watchers
	}
	if deactivated, ok := d.Deactivated.Value(); ok && deactivated {
		return Parameters{}, fmt.Errorf("%w: genesis entry cannot be deactivated", ErrParameters)
	}

	return merged, nil
}
