package core

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
)

// authHandlers serves the anonymous pages: login, the second-factor challenge and registration.
type authHandlers struct {
	cfg        Config
	auth       AuthService
	challenges ChallengeCounter
	now        func() time.Time
}

func (h *authHandlers) loginForm(c *gin.Context) {
	if _, ok := sessionUserID(currentSession(c)); ok {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	renderPage(c, h.cfg, http.StatusOK, "login.html", gin.H{"Title": "Log in"})
}

func (h *authHandlers) login(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	username := strings.TrimSpace(c.PostForm("username"))
	res, err := h.auth.Authenticate(ctx, username, c.PostForm("password"))
	if err != nil {
		var locked *LockedError
		switch {
		case errors.As(err, &locked):
			authLog("login_locked", ip).WithField("username", username).Warn("login refused: account locked")
			h.renderLocked(c, "login.html", gin.H{"Title": "Log in", "Username": username}, locked)
		case errors.Is(err, ErrInvalidCredentials):
			authLog("login_failed", ip).WithField("username", username).Info("login failed")
			renderPage(c, h.cfg, http.StatusUnauthorized, "login.html", gin.H{
				"Title":    "Log in",
				"Username": username,
				"Error":    "Invalid username or password.",
			})
		default:
			logrus.WithError(err).Error("authenticate")
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "login failed")
		}
		return
	}

	sess := currentSession(c)
	if res.TOTPRequired {
		if err := beginChallenge(sess, res.User.ID, h.now()); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to start challenge")
			return
		}
		if err := saveSession(c, h.cfg, sess); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
			return
		}
		if token, ok := sess.Values[keyCSRFToken].(string); ok {
			c.Header("X-CSRF-Token", token)
		}
		authLog("totp_challenge", ip).WithField("user_id", res.User.ID).Info("password accepted, second factor required")
		c.Redirect(http.StatusSeeOther, "/login/2fa")
		return
	}

	if err := IssueSession(c, h.cfg, sess, res.User); err != nil {
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
		return
	}
	authLog("login_succeeded", ip).WithFields(logrus.Fields{"user_id": res.User.ID, "username": res.User.Username}).Info("login succeeded")
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *authHandlers) challengeForm(c *gin.Context) {
	if _, _, ok := pendingChallenge(currentSession(c), h.now(), h.cfg.TOTPChallengeTTL); !ok {
		c.Redirect(http.StatusSeeOther, "/login")
		return
	}
	renderPage(c, h.cfg, http.StatusOK, "totp.html", gin.H{"Title": "Two-factor authentication"})
}

func (h *authHandlers) challenge(c *gin.Context) {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	sess := currentSession(c)
	userID, challengeID, ok := pendingChallenge(sess, h.now(), h.cfg.TOTPChallengeTTL)
	if !ok {
		dropChallenge(sess)
		redirectWithFlash(c, h.cfg, "/login", "Your sign-in attempt expired. Please log in again.")
		return
	}

	// Counted before the code is checked, so a replayed cookie cannot buy extra guesses.
	attempts, err := h.challenges.Attempt(ctx, challengeID, h.cfg.TOTPChallengeTTL)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("count challenge attempt")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "verification failed")
		return
	}
	if attempts > int64(h.cfg.TOTPMaxAttempts) {
		authLog("totp_exhausted", ip).WithField("user_id", userID).Warn("second factor refused: challenge exhausted")
		h.endChallenge(c, sess, challengeID)
		redirectWithFlash(c, h.cfg, "/login", "Too many wrong codes. Please log in again.")
		return
	}

	u, err := h.auth.VerifyTOTP(ctx, userID, c.PostForm("code"))
	if err == nil {
		h.endChallenge(c, sess, challengeID)
		if err := IssueSession(c, h.cfg, sess, u); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
			return
		}
		authLog("login_succeeded", ip).WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username, "second_factor": true}).Info("login succeeded")
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	var locked *LockedError
	switch {
	case errors.As(err, &locked):
		h.endChallenge(c, sess, challengeID)
		if err := saveSession(c, h.cfg, sess); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
			return
		}
		authLog("login_locked", ip).WithField("user_id", userID).Warn("second factor refused: account locked")
		h.renderLocked(c, "login.html", gin.H{"Title": "Log in"}, locked)
	case errors.Is(err, ErrInvalidTOTPCode), errors.Is(err, ErrTOTPCodeReused):
		authLog("totp_failed", ip).WithFields(logrus.Fields{"user_id": userID, "attempt": attempts}).Info("second factor failed")
		if attempts >= int64(h.cfg.TOTPMaxAttempts) {
			h.endChallenge(c, sess, challengeID)
			redirectWithFlash(c, h.cfg, "/login", "Too many wrong codes. Please log in again.")
			return
		}
		msg := "Invalid code."
		if errors.Is(err, ErrTOTPCodeReused) {
			msg = "That code was already used. Wait for the next one."
		}
		renderPage(c, h.cfg, http.StatusUnauthorized, "totp.html", gin.H{"Title": "Two-factor authentication", "Error": msg})
	case errors.Is(err, ErrTOTPNotEnabled), errors.Is(err, ErrInvalidCredentials):
		h.endChallenge(c, sess, challengeID)
		redirectWithFlash(c, h.cfg, "/login", "Please log in again.")
	default:
		logrus.WithError(err).WithField("user_id", userID).Error("verify totp")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "verification failed")
	}
}

// endChallenge burns the server-side counter and removes the challenge from the session.
// The caller saves the session.
func (h *authHandlers) endChallenge(c *gin.Context, sess *sessions.Session, challengeID string) {
	if err := h.challenges.Burn(c.Request.Context(), challengeID, h.cfg.TOTPChallengeTTL); err != nil {
		logrus.WithError(err).Warn("burn challenge")
	}
	dropChallenge(sess)
}

func (h *authHandlers) registerForm(c *gin.Context) {
	renderPage(c, h.cfg, http.StatusOK, "register.html", gin.H{"Title": "Register"})
}

func (h *authHandlers) register(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")
	data := gin.H{"Title": "Register", "Username": username}

	if confirm, sent := c.GetPostForm("password_confirm"); sent && confirm != password {
		data["Error"] = "Passwords do not match."
		renderPage(c, h.cfg, http.StatusUnprocessableEntity, "register.html", data)
		return
	}

	u, err := h.auth.Register(c.Request.Context(), username, password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrWeakPassword):
			data["Error"] = capitalize(err.Error()) + "."
			renderPage(c, h.cfg, http.StatusUnprocessableEntity, "register.html", data)
		case errors.Is(err, ErrUsernameTaken):
			data["Error"] = "That username is already taken."
			renderPage(c, h.cfg, http.StatusConflict, "register.html", data)
		default:
			logrus.WithError(err).Error("register")
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "registration failed")
		}
		return
	}

	authLog("registered", c.ClientIP()).WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("account registered")
	redirectWithFlash(c, h.cfg, "/login", "Account created. You can log in now.")
}

func (h *authHandlers) logout(c *gin.Context) {
	sess := currentSession(c)
	if id, ok := sessionUserID(sess); ok {
		authLog("logout", c.ClientIP()).WithField("user_id", id).Info("logged out")
	}
	if err := ClearSession(c, h.cfg, sess); err != nil {
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to clear session")
		return
	}
	c.Redirect(http.StatusSeeOther, "/login")
}

// renderLocked answers 423 with the remaining lock time.
func (h *authHandlers) renderLocked(c *gin.Context, page string, data gin.H, locked *LockedError) {
	wait := locked.RetryAfter(h.now())
	minutes := int(wait / time.Minute)
	c.Header("Retry-After", strconv.Itoa(int(wait/time.Second)))
	data["Error"] = fmt.Sprintf("This account is locked. Try again in %d %s.", minutes, plural(minutes, "minute", "minutes"))
	renderPage(c, h.cfg, http.StatusLocked, page, data)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
