package common

const (
	// APIKeyHeaderName carries the registry API key.
	APIKeyHeaderName = "X-Api-Key"

	// EnvelopeVersion is written into every pod file.
	EnvelopeVersion = "1.0"
)
