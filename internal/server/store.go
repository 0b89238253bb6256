package server

import (
	"sync"
	"time"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
)

// record is one uploaded image and what has been done to it
type record struct {
	ID         string
	Name       string
	Uploaded   time.Time
	Image      *normalize.Image
	Prepared   *imageprep.PrepareResult
	Detection  *detection.Result
	ResultPath string
}

// store keeps uploads in memory for the lifetime of the server
type store struct {
	mu      sync.RWMutex
	records map[string]*record
}

func newStore() *store {
	return &store{records: make(map[string]*record)}
}

func (s *store) put(r *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

// get returns a copy of the record so handlers can read it without the lock
func (s *store) get(id string) (record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return record{}, false
	}
	return *r, true
}

func (s *store) update(id string, fn func(r *record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
