package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fitsync_client/pkg/apperr"
	"fitsync_client/pkg/logger"
)

// Session holds the authenticated principal the engine syncs on behalf of.
// The access token comes from the platform's auth layer; the session only
// validates it and extracts the user id used to scope queue entries and
// change feeds.
type Session struct {
	mu       sync.RWMutex
	secret   []byte
	userID   string
	expires  time.Time
	onChange map[int]func(userID string)
	nextID   int
	log      *logger.Logger
}

func NewSession(secret string) *Session {
	return &Session{
		secret:   []byte(secret),
		onChange: make(map[int]func(string)),
		log:      logger.WithField("component", "session"),
	}
}

// SignIn validates an HS256 access token and adopts its subject as the
// current principal.
func (s *Session) SignIn(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unsupported signing method: %v", token.Header["alg"])
		}
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("JWT secret not configured")
		}
		return s.secret, nil
	})
	if err != nil {
		return apperr.Unauthorized("invalid token").WithError(err)
	}
	if !token.Valid {
		return apperr.Unauthorized("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return apperr.Unauthorized("invalid claims")
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return apperr.Unauthorized("missing user id in token")
	}

	var expires time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expires = time.Unix(int64(exp), 0)
		if time.Now().After(expires) {
			return apperr.Unauthorized("token expired")
		}
	}

	s.mu.Lock()
	s.userID = userID
	s.expires = expires
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("[Session.SignIn] user %s signed in", userID)
	for _, fn := range listeners {
		fn(userID)
	}
	return nil
}

// SignOut clears the principal. Subscribers are notified with an empty id.
func (s *Session) SignOut() {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return
	}
	s.userID = ""
	s.expires = time.Time{}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("[Session.SignOut] signed out")
	for _, fn := range listeners {
		fn("")
	}
}

// UserID returns the current principal, or "" when signed out or expired.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.expires.IsZero() && time.Now().After(s.expires) {
		return ""
	}
	return s.userID
}

// OnChange registers a callback for sign-in/out transitions and returns an
// idempotent unsubscribe.
func (s *Session) OnChange(fn func(userID string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.onChange[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.onChange, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) listenersLocked() []func(string) {
	listeners := make([]func(string), 0, len(s.onChange))
	for _, fn := range s.onChange {
		listeners = append(listeners, fn)
	}
	return listeners
}
