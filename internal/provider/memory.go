package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBridge is an in-process Bridge for local development and tests.
// Failures can be injected per operation.
type MemoryBridge struct {
	signer *TokenSigner

	mu       sync.Mutex
	sessions map[string]SessionSpec
	live     map[string]bool
	users    map[string]User
	ended    map[string]int
	fail     map[string]error
}

const (
	OpProvision = "provision"
	OpRegister  = "register"
	OpToken     = "token"
	OpEnd       = "end"
)

const memorySecret = "memory-provider-secret"

func NewMemoryBridge() *MemoryBridge {
	signer, _ := NewTokenSigner(memorySecret)
	return &MemoryBridge{
		signer:   signer,
		sessions: map[string]SessionSpec{},
		live:     map[string]bool{},
		users:    map[string]User{},
		ended:    map[string]int{},
		fail:     map[string]error{},
	}
}

func (m *MemoryBridge) Name() string { return "memory" }

// FailOn makes op return err until cleared with a nil err.
func (m *MemoryBridge) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *MemoryBridge) injected(op string) error {
	if err, ok := m.fail[op]; ok {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return nil
}

func (m *MemoryBridge) ProvisionSession(ctx context.Context, spec SessionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpProvision); err != nil {
		return err
	}
	if _, ok := m.sessions[spec.CallID]; !ok {
		m.sessions[spec.CallID] = spec
	}
	m.live[spec.CallID] = true
	return nil
}

func (m *MemoryBridge) RegisterUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpRegister); err != nil {
		return err
	}
	m.users[u.ID] = u.WithAvatarFallback()
	return nil
}

func (m *MemoryBridge) IssueToken(ctx context.Context, userID, callID string, issuedAt, expiry time.Time) (string, error) {
	m.mu.Lock()
	err := m.injected(OpToken)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return m.signer.UserToken(userID, []string{"default:" + callID}, issuedAt, expiry)
}

func (m *MemoryBridge) EndSession(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(OpEnd); err != nil {
		return err
	}
	m.ended[callID]++
	delete(m.live, callID)
	return nil
}

// Live reports whether a session was provisioned and not ended since.
func (m *MemoryBridge) Live(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[callID]
}

func (m *MemoryBridge) Session(callID string) (SessionSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

func (m *MemoryBridge) RegisteredUser(id string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok
}

// EndCount reports how many times EndSession succeeded for the call.
func (m *MemoryBridge) EndCount(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended[callID]
}

func (m *MemoryBridge) Signer() *TokenSigner { return m.signer }
