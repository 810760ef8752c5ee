package didwebvh

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWitness(t *testing.T) (*Ed25519Key, string) {
	t.Helper()
	key, err := GenerateEd25519Key()
	require.NoError(t, err)
	return key, key.DIDKey()
}

func entryState(versionNum int, ws *WitnessSet) *LogEntryState {
	return &LogEntryState{VersionNumber: versionNum, ActiveWitness: ws}
}

func TestSignWitnessProofRoundTrip(t *testing.T) {
	assert := assert.New(t)

	key, witnessDID := newWitness(t)
	wp, err := SignWitnessProof("1-QmHash", key)
	require.NoError(t, err)
	assert.Equal("1-QmHash", wp.VersionID)
	require.Len(t, wp.Proof, 1)

	c := NewWitnessProofCollection()
	c.AddProof(wp.VersionID, wp.Proof[0])
	c.GenerateProofState(1)

	ws := &WitnessSet{Threshold: 1, Witnesses: []Witness{{ID: witnessDID}}}
	assert.True(c.ValidateLogEntry(entryState(1, ws), MultikeyVerifier{}))
}

func TestValidateLogEntryNoWitnessSet(t *testing.T) {
	c := NewWitnessProofCollection()
	c.GenerateProofState(1)
	assert.True(t, c.ValidateLogEntry(entryState(1, nil), MultikeyVerifier{}))
	assert.True(t, c.ValidateLogEntry(entryState(1, &WitnessSet{}), MultikeyVerifier{}))
}

func TestValidateLogEntryThreshold(t *testing.T) {
	assert := assert.New(t)

	k1, w1 := newWitness(t)
	_, w2 := newWitness(t)
	ws := &WitnessSet{Threshold: 2, Witnesses: []Witness{{ID: w1}, {ID: w2}}}

	c := NewWitnessProofCollection()
	wp, err := SignWitnessProof("1-QmHash", k1)
	require.NoError(t, err)
	c.AddProof(wp.VersionID, wp.Proof[0])
	c.GenerateProofState(1)

	// one of two signatures is not enough
	assert.False(c.ValidateLogEntry(entryState(1, ws), MultikeyVerifier{}))
}

func TestWitnessProofCoversEarlierVersions(t *testing.T) {
	assert := assert.New(t)

	k1, w1 := newWitness(t)
	ws := &WitnessSet{Threshold: 1, Witnesses: []Witness{{ID: w1}}}

	c := NewWitnessProofCollection()
	wp, err := SignWitnessProof("3-QmV3", k1)
	require.NoError(t, err)
	c.AddProof(wp.VersionID, wp.Proof[0])
	c.GenerateProofState(3)

	// a proof for version 3 attests versions 1 through 3
	assert.True(c.ValidateLogEntry(entryState(1, ws), MultikeyVerifier{}))
	assert.True(c.ValidateLogEntry(entryState(3, ws), MultikeyVerifier{}))
	// but never a later version
	assert.False(c.ValidateLogEntry(entryState(4, ws), MultikeyVerifier{}))
}

func TestGenerateProofStateSupersedes(t *testing.T) {
	assert := assert.New(t)

	k1, _ := newWitness(t)
	c := NewWitnessProofCollection()

	old, err := SignWitnessProof("1-QmV1", k1)
	require.NoError(t, err)
	newer, err := SignWitnessProof("2-QmV2", k1)
	require.NoError(t, err)
	c.AddProof(old.VersionID, old.Proof[0])
	c.AddProof(newer.VersionID, newer.Proof[0])
	c.GenerateProofState(2)

	// the superseded v1 proof is pruned from the collection
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(string(b), "2-QmV2")
	assert.NotContains(string(b), "1-QmV1")
}

func TestGenerateProofStateIgnoresFutureVersions(t *testing.T) {
	assert := assert.New(t)

	k1, w1 := newWitness(t)
	ws := &WitnessSet{Threshold: 1, Witnesses: []Witness{{ID: w1}}}

	c := NewWitnessProofCollection()
	wp, err := SignWitnessProof("5-QmV5", k1)
	require.NoError(t, err)
	c.AddProof(wp.VersionID, wp.Proof[0])

	// the log only survived to version 2, so a v5 proof carries no evidence
	c.GenerateProofState(2)
	assert.False(c.ValidateLogEntry(entryState(2, ws), MultikeyVerifier{}))
}

func TestProofStateLastWriteWins(t *testing.T) {
	assert := assert.New(t)

	k1, w1 := newWitness(t)
	ws := &WitnessSet{Threshold: 1, Witnesses: []Witness{{ID: w1}}}

	good, err := SignWitnessProof("1-QmV1", k1)
	require.NoError(t, err)
	bad := good.Proof[0]
	bad.ProofValue = "z" + strings.Repeat("1", len(bad.ProofValue)-1)

	// valid proof added last replaces the garbage one
	c := NewWitnessProofCollection()
	c.AddProof("1-QmV1", bad)
	c.AddProof("1-QmV1", good.Proof[0])
	c.GenerateProofState(1)
	assert.True(c.ValidateLogEntry(entryState(1, ws), MultikeyVerifier{}))

	// and a garbage proof added last replaces the valid one
	c = NewWitnessProofCollection()
	c.AddProof("1-QmV1", good.Proof[0])
	c.AddProof("1-QmV1", bad)
	c.GenerateProofState(1)
	assert.False(c.ValidateLogEntry(entryState(1, ws), MultikeyVerifier{}))
}

func TestWitnessFileJSONRoundTrip(t *testing.T) {
	assert := assert.New(t)

	k1, _ := newWitness(t)
	k2, _ := newWitness(t)
	c := NewWitnessProofCollection()
	for _, key := range []*Ed25519Key{k1, k2} {
		wp, err := SignWitnessProof("1-QmV1", key)
		require.NoError(t, err)
		c.AddProof(wp.VersionID, wp.Proof[0])
	}

	b, err := json.Marshal(c)
	require.NoError(t, err)

	parsed, err := ParseWitnessFile(strings.NewReader(string(b)))
	require.NoError(t, err)
	b2, err := json.Marshal(parsed)
	require.NoError(t, err)
	assert.JSONEq(string(b), string(b2))

	// an empty file is an empty collection
	empty, err := ParseWitnessFile(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(empty.proofs)
}
