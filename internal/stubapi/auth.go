package stubapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type user struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Timezone  string `json:"timezone"`
	password  string
}

type session struct {
	email     string
	expiresAt time.Time
}

const userKey = "stubapi.user"

// AddUser registers an account directly, bypassing the register endpoint.
func (s *Server) AddUser(email, username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	s.users[strings.ToLower(email)] = &user{ID: s.nextUser, Email: email, Username: username, Timezone: "UTC", password: password}
}

// issue mints a token pair for email. Callers hold s.mu.
func (s *Server) issue(email string) (access, refresh string) {
	exp := s.now().Add(s.opts.AccessTTL)
	access = jwtLike(map[string]any{"token_type": "access", "exp": exp.Unix(), "jti": uuid.NewString(), "email": email})
	refresh = jwtLike(map[string]any{"token_type": "refresh", "jti": uuid.NewString()})
	s.access[access] = session{email: email, expiresAt: exp}
	s.refresh[refresh] = email
	return access, refresh
}

func jwtLike(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, _ := json.Marshal(claims)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".stub"
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Logins++
	u, ok := s.users[strings.ToLower(req.Email)]
	if !ok || u.password != req.Password {
		detail(c, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	access, refresh := s.issue(u.Email)
	c.JSON(http.StatusOK, gin.H{"access": access, "refresh": refresh})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Email     string `json:"email"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		Password2 string `json:"password2"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Timezone  string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch {
	case req.Email == "":
		fieldError(c, "email", "This field is required.")
		return
	case req.Username == "":
		fieldError(c, "username", "This field is required.")
		return
	case len(req.Password) < 8:
		fieldError(c, "password", "This password is too short. It must contain at least 8 characters.")
		return
	case req.Password != req.Password2:
		fieldError(c, "password", "Password fields didn't match.")
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(req.Email)
	if _, exists := s.users[key]; exists {
		fieldError(c, "email", "user with this email already exists.")
		return
	}
	s.nextUser++
	u := &user{
		ID: s.nextUser, Email: req.Email, Username: req.Username,
		FirstName: req.FirstName, LastName: req.LastName, Timezone: req.Timezone,
		password: req.Password,
	}
	s.users[key] = u
	access, refresh := s.issue(u.Email)
	c.JSON(http.StatusCreated, gin.H{
		"access":  access,
		"refresh": refresh,
		"user":    gin.H{"email": u.Email, "username": u.Username, "first_name": u.FirstName},
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		fieldError(c, "refresh", "This field is required.")
		return
	}
	if d := s.opts.RefreshDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-c.Request.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Renewals++
	email, ok := s.refresh[req.Refresh]
	if !ok || s.blacklist[req.Refresh] {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	if s.opts.KeepRefresh {
		exp := s.now().Add(s.opts.AccessTTL)
		access := jwtLike(map[string]any{"token_type": "access", "exp": exp.Unix(), "jti": uuid.NewString(), "email": email})
		s.access[access] = session{email: email, expiresAt: exp}
		c.JSON(http.StatusOK, gin.H{"access": access})
		return
	}

	delete(s.refresh, req.Refresh)
	s.blacklist[req.Refresh] = true
	access, refresh := s.issue(email)
	c.JSON(http.StatusOK, gin.H{"access": access, "refresh": refresh})
}

// requireAccess authenticates the bearer token.
func (s *Server) requireAccess(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	sess, found := s.access[token]
	if !ok || !found || !s.now().Before(sess.expiresAt) {
		s.stats.Rejected++
		s.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"detail": "Given token not valid for any token type",
			"code":   "token_not_valid",
		})
		return
	}
	u := s.users[strings.ToLower(sess.email)]
	s.mu.Unlock()

	c.Set(userKey, u)
	c.Next()
}

func currentUser(c *gin.Context) *user {
	u, _ := c.MustGet(userKey).(*user)
	return u
}

func (s *Server) handleUser(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}
