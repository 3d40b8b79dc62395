package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/cartstore"
)

const (
	DefaultTokenKey = "relaycart.auth.token"
	DefaultUserKey  = "relaycart.auth.user"
)

var (
	ErrInvalidCredential = errors.New("session: credential is required")
	ErrSignInRequired    = errors.New("session: sign-in required")
)

// Credential is an opaque bearer token.
type Credential string

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type State struct {
	Authenticated bool
	User          Identity
}

type Options struct {
	TokenKey string
	UserKey  string
	Logger   *zap.Logger
}

// Session owns the authenticated flag, the user record and the credential.
// Both are persisted in the key-value slot so a restarted client resumes signed in.
// Storage failures are logged; the in-memory state stays authoritative.
type Session struct {
	store    cartstore.KeyValueStore
	tokenKey string
	userKey  string
	logger   *zap.Logger

	mu             sync.Mutex
	state          State
	credential     Credential
	nextID         int
	listeners      map[int]func(prev, next State)
	signInRequired map[int]func(reason error)
}

func New(store cartstore.KeyValueStore, opts Options) (*Session, error) {
	if store == nil {
		return nil, cartstore.ErrInvalidInput
	}
	tokenKey := strings.TrimSpace(opts.TokenKey)
	if tokenKey == "" {
		tokenKey = DefaultTokenKey
	}
	userKey := strings.TrimSpace(opts.UserKey)
	if userKey == "" {
		userKey = DefaultUserKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		store:          store,
		tokenKey:       tokenKey,
		userKey:        userKey,
		logger:         logger,
		listeners:      map[int]func(prev, next State){},
		signInRequired: map[int]func(reason error){},
	}, nil
}

// Load restores the credential and user record from the slot. A stored credential
// makes the session authenticated; listeners see the transition.
func (s *Session) Load(ctx context.Context) error {
	token, ok, err := s.store.Get(ctx, s.tokenKey)
	if err != nil {
		return err
	}
	credential := Credential(strings.TrimSpace(string(token)))
	if !ok || credential == "" {
		return nil
	}
	var user Identity
	raw, ok, err := s.store.Get(ctx, s.userKey)
	if err != nil {
		return err
	}
	if ok {
		if err := json.Unmarshal(raw, &user); err != nil {
			s.logger.Warn("stored user record unreadable; ignoring", zap.Error(err))
			user = Identity{}
		}
	}
	s.transition(State{Authenticated: true, User: user}, &credential)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// SetCredential replaces the credential without changing the authentication state.
func (s *Session) SetCredential(ctx context.Context, credential Credential) {
	s.mu.Lock()
	s.credential = credential
	s.mu.Unlock()
	s.persistCredential(ctx, credential)
}

func (s *Session) ClearCredential(ctx context.Context) {
	s.SetCredential(ctx, "")
}

func (s *Session) SignIn(ctx context.Context, user Identity, credential Credential) error {
	credential = Credential(strings.TrimSpace(string(credential)))
	if credential == "" {
		return ErrInvalidCredential
	}
	s.persistCredential(ctx, credential)
	s.persistUser(ctx, &user)
	s.transition(State{Authenticated: true, User: user}, &credential)
	return nil
}

func (s *Session) SignOut(ctx context.Context) {
	s.clear(ctx)
}

// Reset clears the credential and user record, moves the session to anonymous, and
// asks the sign-in hooks to route the user back to sign-in.
func (s *Session) Reset(ctx context.Context, reason error) {
	if reason == nil {
		reason = ErrSignInRequired
	}
	s.logger.Warn("session reset", zap.Error(reason))
	s.clear(ctx)

	s.mu.Lock()
	hooks := make([]func(error), 0, len(s.signInRequired))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.signInRequired[id]; ok {
			hooks = append(hooks, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

func (s *Session) clear(ctx context.Context) {
	empty := Credential("")
	s.persistCredential(ctx, empty)
	s.persistUser(ctx, nil)
	s.transition(State{}, &empty)
}

// Subscribe registers fn for authentication transitions. fn runs synchronously
// after the state has changed and only when Authenticated flips.
func (s *Session) Subscribe(fn func(prev, next State)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) OnSignInRequired(fn func(reason error)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.signInRequired[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.signInRequired, id)
		s.mu.Unlock()
	}
}

func (s *Session) transition(next State, credential *Credential) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	if credential != nil {
		s.credential = *credential
	}
	var listeners []func(prev, next State)
	if prev.Authenticated != next.Authenticated {
		for id := 0; id < s.nextID; id++ {
			if fn, ok := s.listeners[id]; ok {
				listeners = append(listeners, fn)
			}
		}
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
}

func (s *Session) persistCredential(ctx context.Context, credential Credential) {
	var err error
	if credential == "" {
		err = s.store.Delete(ctx, s.tokenKey)
	} else {
		err = s.store.Set(ctx, s.tokenKey, []byte(credential))
	}
	if err != nil {
		s.logger.Error("persist credential failed", zap.Error(err))
	}
}

func (s *Session) persistUser(ctx context.Context, user *Identity) {
	if user == nil {
		if err := s.store.Delete(ctx, s.userKey); err != nil {
			s.logger.Error("clear user record failed", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		s.logger.Error("encode user record failed", zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, s.userKey, data); err != nil {
		s.logger.Error("persist user record failed", zap.Error(err))
	}
}
