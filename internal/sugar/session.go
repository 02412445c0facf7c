package sugar

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// State is the position of a Session in the auth lifecycle.
type State int

const (
	// StateUnauthenticated holds no tokens.
	StateUnauthenticated State = iota
	// StateAuthenticated holds a usable token pair.
	StateAuthenticated
	// StateRefreshing is a refresh-grant exchange in flight.
	StateRefreshing
	// StateExpired means the CRM rejected the refresh grant; only Login leaves it.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the credential store of one Client: the OAuth client identity
// and the current access/refresh token pair. Both tokens are set and replaced
// together. Username and password are never kept.
//
// Readers may call any exported method concurrently; only the auth flows in
// this package write to it.
type Session struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
	token        *oauth2.Token
	state        State
}

func newSession() *Session {
	return &Session{state: StateUnauthenticated}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated reports whether a token pair is held.
func (s *Session) Authenticated() bool {
	return s.AccessToken() != ""
}

// AccessToken returns the current access token, or "".
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.AccessToken
}

// ClientID returns the OAuth client id used at login.
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// Token returns a copy of the current token pair, or nil.
func (s *Session) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	cp := *s.token
	return &cp
}

// refreshGrant snapshots what a refresh-grant request needs.
func (s *Session) refreshGrant() (refreshToken, clientID, clientSecret string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	return refreshToken, s.clientID, s.clientSecret
}

func (s *Session) refreshToken() string {
	rt, _, _ := s.refreshGrant()
	return rt
}

// login installs a fresh pair and client identity after a password grant.
func (s *Session) login(clientID, clientSecret string, tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
	s.clientSecret = clientSecret
	s.token = tok
	s.state = StateAuthenticated
}

// rotate replaces the pair after a refresh grant.
func (s *Session) rotate(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
	s.state = StateAuthenticated
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// newTokenPair builds the stored pair from a token endpoint response.
func newTokenPair(resp Value, now time.Time) (*oauth2.Token, error) {
	access, _ := resp.Lookup("access_token").Text()
	refresh, _ := resp.Lookup("refresh_token").Text()
	if access == "" || refresh == "" {
		return nil, ErrIncompleteTokenPair
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
	}
	if tt, ok := resp.Lookup("token_type").Text(); ok && tt != "" {
		tok.TokenType = tt
	}
	if secs, ok := resp.Lookup("expires_in").Int64(); ok && secs > 0 {
		tok.Expiry = now.Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}
