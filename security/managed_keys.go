package security

import (
	"fmt"
	"strings"
	"time"
)

// managedKeyRef names one key held by an external key service: a KMS key id
// or a Vault transit path, plus its version.
type managedKeyRef struct {
	ID      string
	Version int
}

func newManagedKeyRef(id string, version int) (managedKeyRef, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return managedKeyRef{}, fmt.Errorf("security: key id is required")
	}
	if version <= 0 {
		return managedKeyRef{}, fmt.Errorf("security: key version must be greater than zero")
	}
	return managedKeyRef{ID: trimmed, Version: version}, nil
}

func (r managedKeyRef) String() string {
	return fmt.Sprintf("%s:%d", r.ID, r.Version)
}

// managedKeySet enforces the local key policy for a provider whose
// cryptography lives in an external service: which key seals new secrets,
// which retired keys may still open old ones, and the rotation window each
// key is valid in. The external service never sees this policy, so the same
// rules apply whether the backend is a cloud KMS or Vault transit.
type managedKeySet struct {
	active          managedKeyRef
	decryptAllowed  map[string]managedKeyRef
	rotationWindows map[string]KeyRotationWindow
	allowAnyDecrypt bool
	now             func() time.Time
}

func newManagedKeySet(id string, version int) (*managedKeySet, error) {
	ref, err := newManagedKeyRef(id, version)
	if err != nil {
		return nil, err
	}
	return &managedKeySet{
		active:          ref,
		decryptAllowed:  map[string]managedKeyRef{ref.String(): ref},
		rotationWindows: map[string]KeyRotationWindow{},
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// allowDecrypt registers a retired key for decrypt-only use, so envelopes
// sealed before a rollover stay readable.
func (s *managedKeySet) allowDecrypt(id string, version int) {
	ref, err := newManagedKeyRef(id, version)
	if err != nil {
		return
	}
	s.decryptAllowed[ref.String()] = ref
}

func (s *managedKeySet) setWindow(id string, version int, window KeyRotationWindow) {
	ref, err := newManagedKeyRef(id, version)
	if err != nil {
		return
	}
	s.rotationWindows[ref.String()] = window
}

func (s *managedKeySet) setClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// sealKey returns the active key if its rotation window is open.
func (s *managedKeySet) sealKey() (managedKeyRef, error) {
	if !s.windowAllows(s.active) {
		return managedKeyRef{}, fmt.Errorf("security: key %q version %d is outside its rotation window", s.active.ID, s.active.Version)
	}
	return s.active, nil
}

// openKey resolves the key an envelope was sealed under, applying the
// allowlist and rotation window.
func (s *managedKeySet) openKey(id string, version int) (managedKeyRef, error) {
	ref, err := newManagedKeyRef(id, version)
	if err != nil {
		return managedKeyRef{}, err
	}
	if !s.allowAnyDecrypt {
		if _, ok := s.decryptAllowed[ref.String()]; !ok {
			return managedKeyRef{}, fmt.Errorf("security: decrypt key %q version %d is not configured", ref.ID, ref.Version)
		}
	}
	if !s.windowAllows(ref) {
		return managedKeyRef{}, fmt.Errorf("security: key %q version %d is outside its rotation window", ref.ID, ref.Version)
	}
	return ref, nil
}

func (s *managedKeySet) windowAllows(ref managedKeyRef) bool {
	window, ok := s.rotationWindows[ref.String()]
	if !ok {
		return true
	}
	return window.Allows(s.now())
}

func copyStringMap(input map[string]string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	output := make(map[string]string, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		output[trimmedKey] = strings.TrimSpace(value)
	}
	if len(output) == 0 {
		return nil
	}
	return output
}
