package core

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
)

// multipartOverhead is the slack allowed on top of MaxAvatarBytes for form fields and boundaries.
const multipartOverhead = 64 << 10

// SessionMiddleware ensures a session exists and applies consistent cookie options.
// A cookie that no longer decodes (e.g. after a key change) is replaced by a fresh session.
func SessionMiddleware(cfg Config, store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := store.Get(c.Request, sessionName)
		if err != nil {
			logrus.WithError(err).Debug("discarding undecodable session cookie")
			session, _ = store.New(c.Request, sessionName)
			if session == nil {
				abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
				return
			}
			session.Values = map[interface{}]interface{}{}
		}

		applySessionOptions(cfg, session)
		// Save to ensure options are persisted even for anonymous users.
		if err := session.Save(c.Request, c.Writer); err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
			return
		}

		c.Set("session", session)
		c.Next()
	}
}

// BodyLimitMiddleware caps request bodies. The cap leaves room for one avatar upload.
func BodyLimitMiddleware(cfg Config) gin.HandlerFunc {
	limit := cfg.MaxAvatarBytes + multipartOverhead
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// OriginRefererMiddleware validates Origin/Referer. Requests from the serving host
// and from cfg.AllowedOrigins pass; cross-origin callers also get CORS headers.
func OriginRefererMiddleware(cfg Config) gin.HandlerFunc {
	allowed := map[string]struct{}{}
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}

	isAllowed := func(origin, host string) bool {
		if origin == "" {
			// Same-origin navigation (no Origin header) is allowed.
			return true
		}
		u, err := url.Parse(origin)
		if err == nil && strings.EqualFold(u.Host, host) {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		referer := c.GetHeader("Referer")
		if (origin == "" || origin == "null") && referer != "" {
			if u, err := url.Parse(referer); err == nil {
				origin = u.Scheme + "://" + u.Host
			}
		}

		if !isAllowed(origin, c.Request.Host) {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			return
		}

		// Preflight handling
		if c.Request.Method == http.MethodOptions && origin != "" {
			setCORSHeaders(c, origin)
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if origin != "" {
			setCORSHeaders(c, origin)
		}
		c.Next()
	}
}

func setCORSHeaders(c *gin.Context, origin string) {
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Vary", "Origin")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// CSRFMiddleware issues and validates a per-session CSRF token. Unsafe requests
// carry it in the X-CSRF-Token header or the csrf_token form field.
func CSRFMiddleware(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := currentSession(c)
		if session == nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
			return
		}

		token, _ := session.Values[keyCSRFToken].(string)
		if token == "" {
			var err error
			token, err = generateCSRFToken()
			if err != nil {
				abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to issue csrf token")
				return
			}
			session.Values[keyCSRFToken] = token
			if err := saveSession(c, cfg, session); err != nil {
				abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
				return
			}
		}

		if !isSafeMethod(c.Request.Method) {
			sent, err := requestCSRFToken(c)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					abortWithError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
					return
				}
				abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "malformed form body")
				return
			}
			if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(token)) != 1 {
				abortWithError(c, http.StatusForbidden, "FORBIDDEN", "invalid csrf token")
				return
			}
		}

		// Expose token so scripts can read and reuse.
		c.Writer.Header().Set("X-CSRF-Token", token)
		c.Set("csrf_token", token)
		c.Next()
	}
}

func requestCSRFToken(c *gin.Context) (string, error) {
	if h := c.GetHeader("X-CSRF-Token"); h != "" {
		return h, nil
	}
	ct := c.ContentType()
	switch ct {
	case "multipart/form-data":
		if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
			return "", err
		}
	case "application/x-www-form-urlencoded":
		if err := c.Request.ParseForm(); err != nil {
			return "", err
		}
	default:
		return "", nil
	}
	return c.Request.PostFormValue("csrf_token"), nil
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// RequireLogin loads the signed-in user into the context as "user".
// Anonymous requests are redirected to /login, or get 401 under /api/.
func RequireLogin(cfg Config, users UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		id, ok := sessionUserID(sess)
		if !ok {
			unauthorized(c)
			return
		}
		rec, err := users.FindByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				_ = ClearSession(c, cfg, sess)
				unauthorized(c)
				return
			}
			logrus.WithError(err).WithField("user_id", id).Error("load session user")
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load user")
			return
		}
		c.Set("user", rec.toUser())
		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	if wantsJSON(c) {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "login required")
		c.Abort()
		return
	}
	c.Redirect(http.StatusSeeOther, "/login")
	c.Abort()
}

// currentUser returns the user placed in the context by RequireLogin.
func currentUser(c *gin.Context) (User, bool) {
	v, ok := c.Get("user")
	if !ok {
		return User{}, false
	}
	u, ok := v.(User)
	return u, ok
}
