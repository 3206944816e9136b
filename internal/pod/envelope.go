package pod

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/podsync/internal/common"
	"github.com/dmitrijs2005/podsync/internal/cryptox"
)

// Payload is the envelope's data: either Plain or Encrypted. The concrete
// type is fixed when the file is parsed and consumers switch on it.
type Payload interface {
	isPayload()
}

// Plain is an unencrypted data set.
type Plain struct {
	Data ExportedData
}

// Encrypted is a password-encrypted data set.
type Encrypted struct {
	Blob cryptox.Blob
}

func (Plain) isPayload()     {}
func (Encrypted) isPayload() {}

// PasskeyWrap is the family password wrapped under a key derived from a
// passkey's PRF output. It lives at the envelope level in plaintext; only a
// holder of the passkey can unwrap it.
type PasskeyWrap struct {
	CredentialID string `json:"credentialId"`
	PRFSalt      []byte `json:"prfSalt"`
	Wrapped      string `json:"wrapped"`
}

// Envelope is a parsed pod file.
type Envelope struct {
	Version    string
	ExportedAt time.Time
	FamilyID   string
	FamilyName string
	Passkeys   []PasskeyWrap
	Payload    Payload
}

// IsEncrypted reports whether the payload is encrypted.
func (e *Envelope) IsEncrypted() bool {
	_, ok := e.Payload.(Encrypted)
	return ok
}

type wireEnvelope struct {
	Version    string          `json:"version"`
	ExportedAt string          `json:"exportedAt"`
	Encrypted  *bool           `json:"encrypted"`
	FamilyID   string          `json:"familyId,omitempty"`
	FamilyName string          `json:"familyName,omitempty"`
	Passkeys   []PasskeyWrap   `json:"passkeys,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Encode renders env as a pretty-printed pod file.
func Encode(env Envelope) ([]byte, error) {
	w := wireEnvelope{
		Version:    env.Version,
		ExportedAt: FormatTime(env.ExportedAt),
		FamilyID:   env.FamilyID,
		FamilyName: env.FamilyName,
		Passkeys:   env.Passkeys,
	}
	if w.Version == "" {
		w.Version = common.EnvelopeVersion
	}

	var encrypted bool
	switch p := env.Payload.(type) {
	case Plain:
		data, err := json.Marshal(p.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		w.Data = data
	case Encrypted:
		encrypted = true
		data, err := json.Marshal(p.Blob.Encode())
		if err != nil {
			return nil, err
		}
		w.Data = data
	default:
		return nil, fmt.Errorf("%w: envelope has no payload", common.ErrInvalidFormat)
	}
	w.Encrypted = &encrypted

	return json.MarshalIndent(w, "", "  ")
}

// Decode parses a pod file. Missing required fields, a data value whose kind
// disagrees with the encrypted flag, or an unknown cipher header all yield
// common.ErrInvalidFormat.
func Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidFormat, err)
	}
	if w.Version == "" {
		return nil, fmt.Errorf("%w: missing version", common.ErrInvalidFormat)
	}
	if w.ExportedAt == "" {
		return nil, fmt.Errorf("%w: missing exportedAt", common.ErrInvalidFormat)
	}
	if w.Encrypted == nil {
		return nil, fmt.Errorf("%w: missing encrypted flag", common.ErrInvalidFormat)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%w: missing data", common.ErrInvalidFormat)
	}

	exportedAt, err := ParseTime(w.ExportedAt)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Version:    w.Version,
		ExportedAt: exportedAt,
		FamilyID:   w.FamilyID,
		FamilyName: w.FamilyName,
		Passkeys:   w.Passkeys,
	}

	if *w.Encrypted {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: encrypted data must be a string", common.ErrInvalidFormat)
		}
		blob, err := cryptox.ParseBlob(s)
		if err != nil {
			return nil, err
		}
		if blob.Header != cryptox.MagicPassword {
			return nil, fmt.Errorf("%w: data is not password-encrypted", common.ErrInvalidFormat)
		}
		env.Payload = Encrypted{Blob: blob}
		return env, nil
	}

	if data[0] != '{' {
		return nil, fmt.Errorf("%w: plain data must be an object", common.ErrInvalidFormat)
	}
	var d ExportedData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidFormat, err)
	}
	env.Payload = Plain{Data: d}
	return env, nil
}

// Seal builds the payload for data: plain when password is empty, otherwise
// encrypted under password with a fresh salt and IV.
func Seal(data ExportedData, password []byte) (Payload, error) {
	if len(password) == 0 {
		return Plain{Data: data}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	defer common.WipeByteArray(raw)

	s, err := cryptox.EncryptWithPassword(raw, password)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	blob, err := cryptox.ParseBlob(s)
	if err != nil {
		return nil, err
	}
	return Encrypted{Blob: blob}, nil
}

// Open returns the data set held by p, decrypting with password if needed.
func Open(p Payload, password []byte) (ExportedData, error) {
	switch v := p.(type) {
	case Plain:
		return v.Data, nil
	case Encrypted:
		if len(password) == 0 {
			return ExportedData{}, common.ErrPasswordRequired
		}
		raw, err := cryptox.DecryptWithPassword(v.Blob.Encode(), password)
		if err != nil {
			return ExportedData{}, err
		}
		defer common.WipeByteArray(raw)

		var d ExportedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return ExportedData{}, fmt.Errorf("%w: %v", common.ErrInvalidFormat, err)
		}
		return d, nil
	default:
		return ExportedData{}, fmt.Errorf("%w: envelope has no payload", common.ErrInvalidFormat)
	}
}
