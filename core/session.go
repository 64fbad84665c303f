package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const sessionName = "authgate_session"
const sessionMaxAge = 18000 // 5h

// Session value keys.
const (
	keyUserID          = "user_id"
	keyUsername        = "username"
	keyRole            = "role"
	keyPendingUserID   = "pending_user_id"
	keyPendingSince    = "pending_since"
	keyChallengeID     = "challenge_id"
	keyTOTPSetupSecret = "totp_setup_secret"
	keyCSRFToken       = "csrf_token"
	keyFlash           = "flash"
)

// NewSessionStore builds the cookie store. Cookies are signed with SessionKey and
// encrypted with a key derived from it, since the TOTP setup secret travels in them.
func NewSessionStore(cfg Config) *sessions.CookieStore {
	blockKey := sha256.Sum256([]byte("authgate/session-encryption/" + cfg.SessionKey))
	return sessions.NewCookieStore([]byte(cfg.SessionKey), blockKey[:])
}

// currentSession returns the session placed in the context by SessionMiddleware.
func currentSession(c *gin.Context) *sessions.Session {
	sessionAny, _ := c.Get("session")
	sess, _ := sessionAny.(*sessions.Session)
	return sess
}

func sessionUserID(sess *sessions.Session) (int64, bool) {
	if sess == nil {
		return 0, false
	}
	id, ok := sess.Values[keyUserID].(int64)
	return id, ok && id > 0
}

// IssueSession replaces every value in the session with the identity of u and a fresh CSRF token.
func IssueSession(c *gin.Context, cfg Config, sess *sessions.Session, u User) error {
	token, err := generateCSRFToken()
	if err != nil {
		return err
	}
	sess.Values = map[interface{}]interface{}{
		keyUserID:    u.ID,
		keyUsername:  u.Username,
		keyRole:      u.Role,
		keyCSRFToken: token,
	}
	applySessionOptions(cfg, sess)
	if err := sess.Save(c.Request, c.Writer); err != nil {
		return err
	}
	c.Writer.Header().Set("X-CSRF-Token", token)
	return nil
}

// ClearSession empties the session and expires the cookie.
func ClearSession(c *gin.Context, cfg Config, sess *sessions.Session) error {
	sess.Values = map[interface{}]interface{}{}
	applySessionOptions(cfg, sess)
	sess.Options.MaxAge = -1 // Must be set AFTER applySessionOptions to properly delete cookie
	return sess.Save(c.Request, c.Writer)
}

// beginChallenge drops any previous identity and records a pending second factor for userID.
// The challenge id keys the attempt counter kept on the server.
func beginChallenge(sess *sessions.Session, userID int64, now time.Time) error {
	token, err := generateCSRFToken()
	if err != nil {
		return err
	}
	sess.Values = map[interface{}]interface{}{
		keyPendingUserID: userID,
		keyPendingSince:  now.Unix(),
		keyChallengeID:   uuid.NewString(),
		keyCSRFToken:     token,
	}
	return nil
}

// pendingChallenge returns the user waiting for a second factor, if the challenge is still fresh.
func pendingChallenge(sess *sessions.Session, now time.Time, ttl time.Duration) (userID int64, challengeID string, ok bool) {
	if sess == nil {
		return 0, "", false
	}
	userID, _ = sess.Values[keyPendingUserID].(int64)
	since, _ := sess.Values[keyPendingSince].(int64)
	challengeID, _ = sess.Values[keyChallengeID].(string)
	if userID <= 0 || since <= 0 || challengeID == "" {
		return 0, "", false
	}
	if now.Sub(time.Unix(since, 0)) > ttl {
		return 0, "", false
	}
	return userID, challengeID, true
}

func dropChallenge(sess *sessions.Session) {
	delete(sess.Values, keyPendingUserID)
	delete(sess.Values, keyPendingSince)
	delete(sess.Values, keyChallengeID)
}

func setFlash(sess *sessions.Session, msg string) {
	sess.Values[keyFlash] = msg
}

// popFlash removes and returns the flash message. The caller must save the session.
func popFlash(sess *sessions.Session) string {
	if sess == nil {
		return ""
	}
	msg, _ := sess.Values[keyFlash].(string)
	if msg != "" {
		delete(sess.Values, keyFlash)
	}
	return msg
}

func saveSession(c *gin.Context, cfg Config, sess *sessions.Session) error {
	applySessionOptions(cfg, sess)
	return sess.Save(c.Request, c.Writer)
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func applySessionOptions(cfg Config, session *sessions.Session) {
	if session.Options == nil {
		session.Options = &sessions.Options{}
	}
	session.Options.Path = "/"
	session.Options.MaxAge = sessionMaxAge
	session.Options.HttpOnly = true
	session.Options.Secure = cfg.CookieSecure
	session.Options.SameSite = sameSiteFromString(cfg.CookieSameSite)
}

func sameSiteFromString(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
