package didwebvh

type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Struct representing a DID document, with the fields relevant to did:webvh.
type Doc struct {
	Context            []string                `json:"@context,omitempty"`
	ID                 string                  `json:"id"`
	AlsoKnownAs        []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod []DocVerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []string                `json:"authentication,omitempty"`
	AssertionMethod    []string                `json:"assertionMethod,omitempty"`
	Service            []DocService            `json:"service,omitempty"`
}

// NewDoc builds a minimal DID Document for a did:webvh DID (which may still
// contain the SCID placeholder) with a single multikey verification method.
func NewDoc(did string, keyMultibase string) Doc {
	vmID := did + "#key-1"
	return Doc{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		ID: did,
		VerificationMethod: []DocVerificationMethod{
			{
				ID:                 vmID,
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: keyMultibase,
			},
		},
		Authentication:  []string{vmID},
		AssertionMethod: []string{vmID},
	}
}
