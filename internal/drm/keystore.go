package drm

import (
	"sync"

	"playercore/internal/logger"
	"playercore/internal/manifest"
)

// KeyStatus is the last known usability of one content key.
type KeyStatus int

const (
	// KeyStatusUnknown means no license information was received yet.
	KeyStatusUnknown KeyStatus = iota
	// KeyStatusUsable means the key can decrypt content right now.
	KeyStatusUsable
	// KeyStatusRestricted means the CDM refused the key, e.g. for output
	// protection reasons.
	KeyStatusRestricted
)

// KeyStore tracks content key statuses and mirrors them onto the
// manifest's Representations, whose Decipherable flag is what the
// buffering logic actually consults.
type KeyStore struct {
	mu       sync.RWMutex
	log      logger.Logger
	statuses map[string]KeyStatus
}

// NewKeyStore creates an empty store.
func NewKeyStore(log logger.Logger) *KeyStore {
	return &KeyStore{
		log:      log.Named("drm"),
		statuses: make(map[string]KeyStatus),
	}
}

// SetStatus records the status of one key.
func (s *KeyStore) SetStatus(keyID string, status KeyStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[keyID] != status {
		s.log.Infof("key %s status changed to %d", keyID, status)
	}
	s.statuses[keyID] = status
}

// Status returns the last known status of one key.
func (s *KeyStore) Status(keyID string) KeyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statuses[keyID]
}

// Apply flips the Decipherable flag of every encrypted Representation of
// the manifest according to the known key statuses. It returns the
// Representations whose flag changed, so already-buffered content from
// them can be re-evaluated.
func (s *KeyStore) Apply(mft *manifest.Manifest) []*manifest.Representation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var changed []*manifest.Representation
	for _, period := range mft.Periods {
		for _, adaptations := range period.Adaptations {
			for _, adaptation := range adaptations {
				for _, rep := range adaptation.Representations {
					if !rep.Encrypted || rep.KeyID == "" {
						continue
					}
					status, known := s.statuses[rep.KeyID]
					if !known || status == KeyStatusUnknown {
						continue
					}
					decipherable := status == KeyStatusUsable
					if rep.Decipherable != nil && *rep.Decipherable == decipherable {
						continue
					}
					rep.Decipherable = &decipherable
					changed = append(changed, rep)
				}
			}
		}
	}
	return changed
}
