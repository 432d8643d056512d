package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a Store kept in process memory.
type Memory struct {
	mu         sync.RWMutex
	byToken    map[string]Account
	byAuthCode map[string]string // auth code → token
	hardware   map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		byToken:    make(map[string]Account),
		byAuthCode: make(map[string]string),
		hardware:   make(map[string]map[string]struct{}),
	}
}

func (m *Memory) FindByAuthCode(ctx context.Context, code string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.byAuthCode[code]
	if !ok || code == "" {
		return Account{}, ErrNotFound
	}
	return m.byToken[token], nil
}

func (m *Memory) FindByToken(ctx context.Context, token string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byToken[token]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *Memory) Replace(ctx context.Context, acct Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if acct.Token == "" {
		return ErrNoToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.AuthCode != "" {
		if owner, ok := m.byAuthCode[acct.AuthCode]; ok && owner != acct.Token {
			return ErrConflict
		}
	}
	if prev, ok := m.byToken[acct.Token]; ok && prev.AuthCode != acct.AuthCode {
		delete(m.byAuthCode, prev.AuthCode)
	}
	if acct.UpdatedAt.IsZero() {
		acct.UpdatedAt = time.Now().UTC()
	}
	m.byToken[acct.Token] = acct
	if acct.AuthCode != "" {
		m.byAuthCode[acct.AuthCode] = acct.Token
	}
	return nil
}

func (m *Memory) CountHardwareIDs(ctx context.Context, token string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hardware[token]), nil
}

func (m *Memory) InsertHardwareID(ctx context.Context, token, hwid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.hardware[token]
	if !ok {
		ids = make(map[string]struct{})
		m.hardware[token] = ids
	}
	if _, dup := ids[hwid]; dup {
		return false, nil
	}
	ids[hwid] = struct{}{}
	return true, nil
}
