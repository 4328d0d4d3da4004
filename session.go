package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/singleflight"
)

// ChatSuffix turns a raw phone number into a chat address
const ChatSuffix = "@c.us"

var ErrNoSession = errors.New("no WhatsApp session")

// AuthState tracks where the session is in the pairing flow
type AuthState string

const (
	StateUnauthenticated AuthState = "unauthenticated"
	StateAwaitingQR      AuthState = "awaiting-qr-scan"
	StateAuthenticated   AuthState = "authenticated"
	StateLoggedOut       AuthState = "logged-out"
)

// Receipt is what a send returns. It is only ever serialized into the operation log.
type Receipt struct {
	To        string    `json:"to"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a live, authenticated connection to WhatsApp
type Session interface {
	SendText(ctx context.Context, chat, text string) (Receipt, error)
	SendImage(ctx context.Context, chat, path, filename, caption string) (Receipt, error)
	Close() error
}

// SessionOptions is passed to a Connector when the session is created
type SessionOptions struct {
	Name        string
	TokenRoot   string
	TokenFolder string
	Headless    bool
	MultiDevice bool

	OnQR     func(code string)
	OnStatus func(state AuthState)
}

// Connector creates a session. It may block until pairing completes.
type Connector func(ctx context.Context, opts SessionOptions) (Session, error)

// Messenger is what the HTTP front end needs from the session layer
type Messenger interface {
	EnsureSession(ctx context.Context) (started bool, err error)
	SendText(ctx context.Context, chat, text string) (Receipt, error)
	SendImage(ctx context.Context, chat, path, filename, caption string) (Receipt, error)
}

// ChatAddress appends the chat suffix to the number verbatim
func ChatAddress(number string) string {
	return number + ChatSuffix
}

// SessionManager lazily creates and holds the single process-wide session
type SessionManager struct {
	name      string
	tokenRoot string
	connect   Connector
	log       waLog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	session Session
	state   AuthState
	qr      string
}

func NewSessionManager(cfg Config, connect Connector, logger waLog.Logger) *SessionManager {
	if logger == nil {
		logger = waLog.Noop
	}
	return &SessionManager{
		name:      cfg.SessionName,
		tokenRoot: cfg.SessionRoot,
		connect:   connect,
		log:       logger,
		state:     StateUnauthenticated,
	}
}

// EnsureSession creates the session if none exists yet. Concurrent callers share a
// single in-flight creation; started is true for every caller that had to wait on it.
func (m *SessionManager) EnsureSession(ctx context.Context) (bool, error) {
	if m.current() != nil {
		return false, nil
	}

	// Pairing must outlive the request that triggered it
	ch := m.group.DoChan("session", func() (interface{}, error) {
		if s := m.current(); s != nil {
			return s, nil
		}
		return m.create(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return true, nil
	}
}

func (m *SessionManager) create(ctx context.Context) (Session, error) {
	folder := m.tokenFolder()
	stored := sessionStored(folder)
	m.log.Infof("Session stored: %v", stored)

	opts := SessionOptions{
		Name:        m.name,
		TokenRoot:   m.tokenRoot,
		TokenFolder: folder,
		Headless:    stored,
		MultiDevice: true,
		OnQR:        m.handleQR,
		OnStatus:    m.handleStatus,
	}

	s, err := m.connect(ctx, opts)
	if err != nil {
		m.log.Errorf("WhatsApp session failed to start: %v", err)
		return nil, fmt.Errorf("failed to start WhatsApp session: %w", err)
	}

	m.mu.Lock()
	m.session = s
	m.qr = ""
	m.mu.Unlock()

	m.log.Infof("WhatsApp session %s started successfully", m.name)
	return s, nil
}

func (m *SessionManager) SendText(ctx context.Context, chat, text string) (Receipt, error) {
	s := m.current()
	if s == nil {
		return Receipt{}, ErrNoSession
	}
	return s.SendText(ctx, chat, text)
}

func (m *SessionManager) SendImage(ctx context.Context, chat, path, filename, caption string) (Receipt, error) {
	s := m.current()
	if s == nil {
		return Receipt{}, ErrNoSession
	}
	return s.SendImage(ctx, chat, path, filename, caption)
}

// Close disconnects the session if one was created
func (m *SessionManager) Close() error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

func (m *SessionManager) State() AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PendingQR returns the pairing code waiting to be scanned, if any
func (m *SessionManager) PendingQR() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qr
}

func (m *SessionManager) HasSession() bool {
	return m.current() != nil
}

func (m *SessionManager) current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *SessionManager) handleQR(code string) {
	m.mu.Lock()
	m.qr = code
	m.state = StateAwaitingQR
	m.mu.Unlock()
	m.log.Infof("QR code available, scan it with WhatsApp or open /qr")
}

func (m *SessionManager) handleStatus(state AuthState) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	if state != StateAwaitingQR {
		m.qr = ""
	}
	m.mu.Unlock()
	if prev != state {
		m.log.Infof("Status session %s: %s -> %s", m.name, prev, state)
	}
}

func (m *SessionManager) tokenFolder() string {
	return Config{SessionRoot: m.tokenRoot, SessionName: m.name}.SessionFolder()
}

// sessionStored reports whether credentials from an earlier pairing are on disk
func sessionStored(folder string) bool {
	entries, err := os.ReadDir(folder)
	return err == nil && len(entries) > 0
}
