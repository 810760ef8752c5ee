package didwebvh

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes bounds a single log line; entries carry full DID Documents so
// the default Scanner buffer is too small.
const maxLineBytes = 10_000_000

// ParseLog reads a JSON Lines DID log: one LogEntry per line, order defining
// the chain.
func ParseLog(r io.Reader) ([]*LogEntry, error) {
	var entries []*LogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("parsing log line %d: %w", line, err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return entries, nil
}

// MarshalLog writes entries as JSON Lines.
func MarshalLog(w io.Writer, entries []*LogEntry) error {
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

// ParseWitnessFile reads the witness proof file: a JSON array of
// {versionId, proof} objects.
func ParseWitnessFile(r io.Reader) (*WitnessProofCollection, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading witness file: %w", err)
	}
	c := NewWitnessProofCollection()
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing witness file: %w", err)
	}
	return c, nil
}

// LoadLog replaces the state's entry arena with the given log.
func (s *DIDWebVHState) LoadLog(r io.Reader) error {
	entries, err := ParseLog(r)
	if err != nil {
		return err
	}
	s.Entries = s.Entries[:0]
	for _, entry := range entries {
		s.AddEntry(entry)
	}
	return nil
}

// LoadWitnessProofs replaces the state's witness proof collection.
func (s *DIDWebVHState) LoadWitnessProofs(r io.Reader) error {
	c, err := ParseWitnessFile(r)
	if err != nil {
		return err
	}
	s.WitnessProofs = c
	return nil
}
