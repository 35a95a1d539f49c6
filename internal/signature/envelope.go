package signature

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuthentication is returned when an envelope's signer does not match the
// address it claims. Callers must not reveal which check failed.
var ErrAuthentication = errors.New("signature: authentication failed")

// Authenticate verifies a self-certifying envelope. It reads the claimed
// address from addressField, blanks the signature field to Sentinel,
// canonicalizes the object and recovers the signer. The recovered address is
// returned in lower case. Envelopes with keys that differ only in case are
// rejected.
func Authenticate(raw []byte, addressField string) (string, error) {
	tree, err := toTree(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: envelope is not an object", ErrAuthentication)
	}
	if err := checkKeys(tree); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	claimed, _ := obj[addressField].(string)
	sig, _ := obj[SignatureField].(string)
	if strings.TrimSpace(claimed) == "" || sig == "" || sig == Sentinel {
		return "", fmt.Errorf("%w: missing address or signature", ErrAuthentication)
	}

	obj[SignatureField] = Sentinel
	payload, err := encodeTree(obj)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	signer, err := Recover(sig, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !strings.EqualFold(signer, strings.TrimSpace(claimed)) {
		return "", ErrAuthentication
	}
	return signer, nil
}

// checkKeys rejects objects with keys that differ only in case; struct
// decoding would otherwise pick a value the signature check never saw.
func checkKeys(tree any) error {
	switch t := tree.(type) {
	case map[string]any:
		seen := make(map[string]string, len(t))
		for k, v := range t {
			folded := strings.ToLower(k)
			if other, ok := seen[folded]; ok {
				return fmt.Errorf("keys %q and %q collide", other, k)
			}
			seen[folded] = k
			if err := checkKeys(v); err != nil {
				return err
			}
		}
	case []any:
		for _, v := range t {
			if err := checkKeys(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// sentinelPayload is the byte string that is signed for an envelope.
func sentinelPayload(envelope any) ([]byte, error) {
	tree, err := toTree(envelope)
	if err != nil {
		return nil, err
	}
	obj, ok := tree.(map[string]any)
	if !ok {
		return nil, errors.New("signature: envelope is not an object")
	}
	obj[SignatureField] = Sentinel
	return encodeTree(obj)
}
