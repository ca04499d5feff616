package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/rental-billing/internal/versions"
)

// VersionStore keeps invoice versions and customer addresses in memory.
type VersionStore struct {
	mu       sync.Mutex
	nextID   int64
	versions []versions.Version
	emails   map[int64]string
}

// NewVersionStore returns an empty store.
func NewVersionStore() *VersionStore {
	return &VersionStore{emails: make(map[int64]string)}
}

// SetCustomerEmail registers a billing address.
func (s *VersionStore) SetCustomerEmail(customerID int64, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[customerID] = email
}

// CustomerEmail implements versions.Contacts.
func (s *VersionStore) CustomerEmail(_ context.Context, _, customerID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emails[customerID], nil
}

func (s *VersionStore) CreateVersion(_ context.Context, invoiceID int64, snapshot versions.Snapshot, pdf []byte, fileName string) (versions.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	v := versions.Version{
		ID:        s.nextID,
		InvoiceID: invoiceID,
		Snapshot:  snapshot,
		PDF:       append([]byte(nil), pdf...),
		FileName:  fileName,
		CreatedAt: time.Now(),
	}
	s.versions = append(s.versions, v)
	return v, nil
}

func (s *VersionStore) MarkVersionSent(_ context.Context, versionID int64, sentAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.versions {
		if s.versions[i].ID != versionID {
			continue
		}
		at := time.Now()
		if sentAt != nil {
			at = *sentAt
		}
		s.versions[i].SentAt = &at
		return nil
	}
	return versions.ErrNotFound.Withf("version %d", versionID)
}

func (s *VersionStore) GetVersion(_ context.Context, versionID int64) (versions.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.ID == versionID {
			return v, nil
		}
	}
	return versions.Version{}, versions.ErrNotFound.Withf("version %d", versionID)
}

func (s *VersionStore) LatestVersion(_ context.Context, invoiceID int64) (*versions.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].InvoiceID == invoiceID {
			v := s.versions[i]
			return &v, nil
		}
	}
	return nil, nil
}

func (s *VersionStore) LatestSentVersion(_ context.Context, invoiceID int64) (*versions.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *versions.Version
	for i := range s.versions {
		v := s.versions[i]
		if v.InvoiceID != invoiceID || v.SentAt == nil {
			continue
		}
		if best == nil || !v.SentAt.Before(*best.SentAt) {
			best = &v
		}
	}
	return best, nil
}

func (s *VersionStore) ListVersions(_ context.Context, invoiceID int64) ([]versions.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []versions.Version
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].InvoiceID == invoiceID {
			out = append(out, s.versions[i])
		}
	}
	return out, nil
}
