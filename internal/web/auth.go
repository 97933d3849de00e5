package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookie = "mentoria_session"

// sessionStore holds browser sessions in memory. Sessions expire after
// TTL of inactivity; every authenticated request slides the expiry.
type sessionStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*webSession
}

type webSession struct {
	accountID string
	expiresAt time.Time
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		sessions: make(map[string]*webSession),
	}
}

// create starts a session for an account and returns the session id.
// Expired sessions are swept here so abandoned logins do not
// accumulate for the process lifetime.
func (ss *sessionStore) create(accountID string) string {
	id := uuid.New().String()
	now := time.Now()
	ss.mu.Lock()
	for sid, sess := range ss.sessions {
		if now.After(sess.expiresAt) {
			delete(ss.sessions, sid)
		}
	}
	ss.sessions[id] = &webSession{
		accountID: accountID,
		expiresAt: now.Add(ss.ttl),
	}
	ss.mu.Unlock()
	return id
}

// touch returns the account for a session id, sliding its expiry.
// Expired and unknown sessions return "".
func (ss *sessionStore) touch(id string) string {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sess, ok := ss.sessions[id]
	if !ok {
		return ""
	}
	if time.Now().After(sess.expiresAt) {
		delete(ss.sessions, id)
		return ""
	}
	sess.expiresAt = time.Now().Add(ss.ttl)
	return sess.accountID
}

func (ss *sessionStore) drop(id string) {
	ss.mu.Lock()
	delete(ss.sessions, id)
	ss.mu.Unlock()
}

// requireAuth resolves the session cookie and passes the account id
// through to the handler. Unauthenticated requests get 401.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "login required")
			return
		}
		accountID := s.sessions.touch(cookie.Value)
		if accountID == "" {
			s.errorResponse(w, http.StatusUnauthorized, "session expired")
			return
		}
		next(w, r, accountID)
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		s.errorResponse(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if len(req.Password) < 8 {
		s.errorResponse(w, http.StatusBadRequest, "password must have at least 8 characters")
		return
	}

	existing, err := s.store.GetAccountByEmail(req.Email)
	if err != nil {
		s.logger.Error("account lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if existing != nil {
		s.errorResponse(w, http.StatusConflict, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.logger.Error("password hash failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registration failed")
		return
	}

	acct, err := s.store.CreateAccount(req.Email, string(hash))
	if err != nil {
		s.logger.Error("account create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.logger.Info("account registered", "email", req.Email)
	s.startSession(w, acct.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, acct, s.logger)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	acct, err := s.store.GetAccountByEmail(req.Email)
	if err != nil {
		s.logger.Error("account lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "login failed")
		return
	}
	// Same response for unknown email and wrong password.
	if acct == nil || bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	if err := s.store.RecordLogin(acct.ID); err != nil {
		s.logger.Warn("record login failed", "error", err)
	} else {
		acct.LoginCount++
	}

	s.logger.Info("login", "email", req.Email)
	s.startSession(w, acct.ID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, acct, s.logger)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.drop(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, accountID string) {
	acct, err := s.store.GetAccountByID(accountID)
	if err != nil || acct == nil {
		s.errorResponse(w, http.StatusUnauthorized, "account not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, acct, s.logger)
}

func (s *Server) startSession(w http.ResponseWriter, accountID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.sessions.create(accountID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
