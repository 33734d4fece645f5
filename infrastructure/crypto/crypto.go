// Package crypto implements CryptoUtils: the hash chain backing the
// audit trail and the HMAC-based certificate signature scheme.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

// Hash returns the 64-hex-character SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v with sorted object keys and no insignificant
// whitespace, the form hashed by Chain and signed by Sign.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal for canonicalization: %w", err)
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// Chain extends a hash chain: hash(prevHash || canonicalJSON(payload)).
// prevHash is the empty string for the first event in a workflow.
func Chain(prevHash string, payload interface{}) (string, error) {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return Hash(append([]byte(prevHash), body...)), nil
}

// VerifyChain replays hashes[i] = Chain(hashes[i-1], payloads[i]) (with
// hashes[-1] == "") and reports whether every link matches.
func VerifyChain(hashes []string, payloads []interface{}) (bool, error) {
	if len(hashes) != len(payloads) {
		return false, fmt.Errorf("crypto: hashes/payloads length mismatch: %d != %d", len(hashes), len(payloads))
	}
	prev := ""
	for i := range hashes {
		want, err := Chain(prev, payloads[i])
		if err != nil {
			return false, err
		}
		if want != hashes[i] {
			return false, nil
		}
		prev = hashes[i]
	}
	return true, nil
}

// CertificateID returns a cryptographically random 16-hex-character
// uppercase identifier.
func CertificateID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: certificate id: %w", err)
	}
	return fmt.Sprintf("%X", buf), nil
}

// DeriveSigningKey derives a purpose-scoped signing key from a root
// secret via HKDF-SHA256, so a single root secret can serve certificate
// signing and any future signing purpose without key reuse.
func DeriveSigningKey(rootSecret []byte, purpose string) ([]byte, error) {
	reader := hkdf.New(sha256.New, rootSecret, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: derive signing key: %w", err)
	}
	return key, nil
}

// Sign computes an HMAC-SHA256 signature over the canonical JSON form of
// v with its "signature" field cleared. v must be a map or a type whose
// JSON has a top-level "signature" key.
func Sign(v map[string]interface{}, key []byte) (string, error) {
	clone := make(map[string]interface{}, len(v))
	for k, val := range v {
		clone[k] = val
	}
	delete(clone, "signature")
	body, err := CanonicalJSON(clone)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes Sign over v (ignoring its current "signature" field)
// and compares it in constant time against want.
func Verify(v map[string]interface{}, key []byte, want string) (bool, error) {
	got, err := Sign(v, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(got), []byte(want)), nil
}
