package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process adapter used in development and tests. It keeps
// created objects in memory and honors the same contract as a real provider,
// including ErrObjectMissing on double deletes.
type Sandbox struct {
	name string

	mu      sync.Mutex
	objects map[string]Snapshot

	// Fail, when set, makes every call return this error. Lets tests and
	// local chaos runs simulate an outage.
	Fail error
}

func NewSandbox(name string) *Sandbox {
	return &Sandbox{
		name:    name,
		objects: make(map[string]Snapshot),
	}
}

func (s *Sandbox) Name() string { return s.name }

func (s *Sandbox) CreateDiscountObject(_ context.Context, snap Snapshot) (ExternalRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return ExternalRef{}, s.Fail
	}
	id := fmt.Sprintf("%s_disc_%s", s.name, uuid.New().String())
	s.objects[id] = snap
	return ExternalRef{ExternalID: id}, nil
}

func (s *Sandbox) DeleteDiscountObject(_ context.Context, ref ExternalRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	if _, ok := s.objects[ref.ExternalID]; !ok {
		return ErrObjectMissing
	}
	delete(s.objects, ref.ExternalID)
	return nil
}

// Objects returns how many live objects the sandbox holds.
func (s *Sandbox) Objects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
