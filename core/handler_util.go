package core

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// respondError sends unified error payload {"error": {"code", "message"}}.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func wantsJSON(c *gin.Context) bool {
	return strings.HasPrefix(c.Request.URL.Path, "/api/")
}

// abortWithError answers JSON under /api/ and an HTML error page elsewhere.
func abortWithError(c *gin.Context, status int, code, message string) {
	if wantsJSON(c) {
		respondError(c, status, code, message)
	} else {
		c.HTML(status, "error.html", gin.H{"Title": http.StatusText(status), "Status": status, "Message": message})
	}
	c.Abort()
}

// renderPage renders an HTML page with the CSRF token, the pending flash and
// the signed-in user filled in.
func renderPage(c *gin.Context, cfg Config, status int, name string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	if token, ok := c.Get("csrf_token"); ok {
		data["CSRFToken"] = token
	}
	if u, ok := currentUser(c); ok {
		data["CurrentUser"] = u
	}
	if sess := currentSession(c); sess != nil {
		if msg := popFlash(sess); msg != "" {
			data["Flash"] = msg
			if err := saveSession(c, cfg, sess); err != nil {
				logrus.WithError(err).Warn("failed to clear flash")
			}
		}
	}
	c.HTML(status, name, data)
}

// redirectWithFlash stores msg for the next page and redirects with 303.
func redirectWithFlash(c *gin.Context, cfg Config, location, msg string) {
	if sess := currentSession(c); sess != nil && msg != "" {
		setFlash(sess, msg)
		if err := saveSession(c, cfg, sess); err != nil {
			logrus.WithError(err).Warn("failed to store flash")
		}
	}
	c.Redirect(http.StatusSeeOther, location)
}
