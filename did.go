package didwebvh

import (
	"fmt"
	"strings"
)

// SCIDPlaceholder is the literal sentinel substituted for the self-certifying
// identifier while the genesis entry is being prepared.
const SCIDPlaceholder = "{SCID}"

// DID is a parsed did:webvh identifier: did:webvh:{scid}:{domain}[:{path}...]
// A port is encoded into the domain segment as %3A.
type DID struct {
	SCID   string
	Domain string
	Path   []string
}

func ParseDID(s string) (*DID, error) {
	rest, ok := strings.CutPrefix(s, "did:webvh:")
	if !ok {
		return nil, fmt.Errorf("not a did:webvh DID: %s", s)
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("malformed did:webvh DID: %s", s)
	}
	for _, p := range parts[2:] {
		if p == "" {
			return nil, fmt.Errorf("malformed did:webvh DID: empty path segment in %s", s)
		}
	}
	return &DID{
		SCID:   parts[0],
		Domain: parts[1],
		Path:   parts[2:],
	}, nil
}

func (d *DID) String() string {
	parts := append([]string{"did:webvh", d.SCID, d.Domain}, d.Path...)
	return strings.Join(parts, ":")
}

// host decodes the %3A port separator back into a colon.
func (d *DID) host() string {
	return strings.ReplaceAll(d.Domain, "%3A", ":")
}

// scheme is https everywhere except localhost, which may serve plain http
// during development.
func (d *DID) scheme() string {
	host := d.host()
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "http"
	}
	return "https"
}

// LogURL is the HTTPS location of the DID's JSON Lines log file.
func (d *DID) LogURL() string {
	if len(d.Path) == 0 {
		return fmt.Sprintf("%s://%s/.well-known/did.jsonl", d.scheme(), d.host())
	}
	return fmt.Sprintf("%s://%s/%s/did.jsonl", d.scheme(), d.host(), strings.Join(d.Path, "/"))
}

// WitnessURL is the HTTPS location of the witness proof file, a sibling of
// the log file.
func (d *DID) WitnessURL() string {
	url := d.LogURL()
	return strings.TrimSuffix(url, "did.jsonl") + "did-witness.json"
}
