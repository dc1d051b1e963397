// Package credentials persists the pairing secret to a single JSON file.
// The file is the only durable state the bridge owns.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/models"
)

// Store holds the resident credential and its on-disk location. All access is
// serialized; writes are full-file replaces via a temp file and rename.
type Store struct {
	mu   sync.Mutex
	path string
	cred *models.StoredCredential
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the credential file into memory. A missing or unreadable file is
// not an error: the bridge degrades to unpaired mode.
func (s *Store) Load() *models.StoredCredential {
	log := log.WithField("prefix", "credentials.Load")
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("failed to read credential file: %v", err)
		}
		s.cred = nil
		return nil
	}

	var cred models.StoredCredential
	if err := sonic.Unmarshal(data, &cred); err != nil {
		log.Warnf("credential file is corrupt, treating as unpaired: %v", err)
		s.cred = nil
		return nil
	}
	if cred.BridgeCredential == "" {
		log.Warn("credential file has no bridgeCredential, treating as unpaired")
		s.cred = nil
		return nil
	}

	s.cred = &cred
	copied := cred
	return &copied
}

// Save writes the credential atomically: temp file in the same directory,
// then rename over the target.
func (s *Store) Save(cred models.StoredCredential) error {
	if !cred.Complete() {
		return fmt.Errorf("refusing to persist incomplete credential for bridge %q", cred.BridgeID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	data, err := sonic.ConfigDefault.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	s.cred = &cred
	return nil
}

// Clear removes the file and the in-memory copy. Used on user-initiated
// disconnect and on credential revocation.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

// IsPaired reports whether a credential with a non-empty bridgeCredential is
// resident.
func (s *Store) IsPaired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred != nil && s.cred.BridgeCredential != ""
}

// Get returns a copy of the resident credential, or nil when unpaired.
func (s *Store) Get() *models.StoredCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil
	}
	copied := *s.cred
	return &copied
}
