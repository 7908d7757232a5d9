package serializer

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

const (
	// FormatVersion is bumped on any envelope-incompatible change.
	FormatVersion = 1

	// RedactionMarker replaces sensitive values when redaction is enabled.
	RedactionMarker = "[REDACTED]"
)

var (
	// ErrEnvelope is returned for malformed or unversioned payloads.
	ErrEnvelope = errors.New("malformed serialization envelope")
	// ErrIntegrity is returned when the checksum does not match the payload.
	ErrIntegrity = errors.New("payload integrity check failed")
)

// Options toggles the individual serialization transforms.
type Options struct {
	Compress             bool
	Encrypt              bool
	IncludeCheckpoints   bool
	ExcludeSensitiveData bool
}

// DefaultOptions is what durable storage uses.
func DefaultOptions() Options {
	return Options{Compress: true, IncludeCheckpoints: true, ExcludeSensitiveData: true}
}

// applied records which transforms actually ran, so Deserialize can reverse
// them in order.
type applied struct {
	Compressed  bool `json:"compressed"`
	Encrypted   bool `json:"encrypted"`
	Redacted    bool `json:"redacted"`
	Checkpoints bool `json:"checkpoints"`
}

type envelope struct {
	Version   int       `json:"version"`
	Options   applied   `json:"options"`
	Payload   string    `json:"payload"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
}

// Serializer converts session state to and from its durable representation.
type Serializer struct {
	threshold int
	sensitive map[string]struct{}
	key       []byte
}

// New builds a serializer from config. When no encryption key is configured
// a random process-local key is generated; encrypted payloads are then only
// readable by this process, which is acceptable for crash-recovery blobs.
func New(cfg config.SerializerConfig) (*Serializer, error) {
	s := &Serializer{
		threshold: cfg.CompressionThreshold,
		sensitive: make(map[string]struct{}, len(cfg.SensitiveFields)),
	}
	if s.threshold <= 0 {
		s.threshold = 1024
	}
	for _, f := range cfg.SensitiveFields {
		s.sensitive[strings.ToLower(f)] = struct{}{}
	}

	if cfg.EncryptionKey != "" {
		sum := sha256.Sum256([]byte(cfg.EncryptionKey))
		s.key = sum[:]
	} else {
		s.key = make([]byte, 32)
		if _, err := rand.Read(s.key); err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
	}
	return s, nil
}

// Serialize produces the versioned envelope for a session state.
func (s *Serializer) Serialize(state *models.SessionState, opts Options) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil session state")
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode state document: %w", err)
	}

	ap := applied{Checkpoints: opts.IncludeCheckpoints, Redacted: opts.ExcludeSensitiveData}

	if opts.ExcludeSensitiveData {
		s.redact(doc)
	}
	if !opts.IncludeCheckpoints {
		if rec, ok := doc["recovery"].(map[string]interface{}); ok {
			delete(rec, "checkpoints")
		}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if opts.Compress && len(payload) > s.threshold {
		payload, err = gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		ap.Compressed = true
	}

	if opts.Encrypt {
		payload, err = s.seal(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		ap.Encrypted = true
	}

	sum := sha256.Sum256(payload)
	env := envelope{
		Version:   FormatVersion,
		Options:   ap,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(),
	}
	return json.Marshal(env)
}

// Deserialize validates and reverses the envelope transforms: checksum,
// then decryption, then decompression, then parse.
func (s *Serializer) Deserialize(data []byte) (*models.SessionState, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrEnvelope, env.Version)
	}
	if env.Payload == "" || env.Checksum == "" {
		return nil, fmt.Errorf("%w: missing payload or checksum", ErrEnvelope)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrEnvelope, err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, ErrIntegrity
	}

	if env.Options.Encrypted {
		payload, err = s.open(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
	}
	if env.Options.Compressed {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}

	var state models.SessionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: parse state: %v", ErrEnvelope, err)
	}
	return &state, nil
}

// QuickSerialize is the emergency-path variant: plain JSON, no compression,
// redaction, or checksum. Not suitable for long-term storage.
func (s *Serializer) QuickSerialize(state *models.SessionState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil session state")
	}
	return json.Marshal(state)
}

// QuickDeserialize reverses QuickSerialize.
func (s *Serializer) QuickDeserialize(data []byte) (*models.SessionState, error) {
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	return &state, nil
}

// redact walks the document and replaces any field whose name is on the
// sensitive list. Scalar matches become the marker; map matches keep their
// keys with every value replaced, so typed fields still parse on read.
func (s *Serializer) redact(doc map[string]interface{}) {
	for key, val := range doc {
		if _, hit := s.sensitive[strings.ToLower(key)]; hit {
			doc[key] = redactValue(val)
			continue
		}
		switch v := val.(type) {
		case map[string]interface{}:
			s.redact(v)
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					s.redact(m)
				}
			}
		}
	}
}

func redactValue(val interface{}) interface{} {
	if m, ok := val.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k := range m {
			out[k] = RedactionMarker
		}
		return out
	}
	return RedactionMarker
}

func (s *Serializer) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Serializer) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
