package core

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// profileHandlers serves the pages behind RequireLogin.
type profileHandlers struct {
	cfg     Config
	auth    AuthService
	uploads AvatarUploadRepository
	intake  *AvatarIntake
}

func (h *profileHandlers) home(c *gin.Context) {
	renderPage(c, h.cfg, http.StatusOK, "home.html", gin.H{"Title": "Home"})
}

func (h *profileHandlers) show(c *gin.Context) {
	h.renderProfile(c, http.StatusOK, "")
}

// renderProfile shows the profile page with the latest avatar upload and an optional error.
func (h *profileHandlers) renderProfile(c *gin.Context, status int, errMsg string) {
	u, _ := currentUser(c)
	data := gin.H{"Title": "Profile", "MaxAvatarKiB": h.cfg.MaxAvatarBytes >> 10}
	if errMsg != "" {
		data["Error"] = errMsg
	}
	up, err := h.uploads.LatestByUser(c.Request.Context(), u.ID)
	switch {
	case err == nil:
		data["Upload"] = up
	case !errors.Is(err, ErrUploadNotFound):
		logrus.WithError(err).WithField("user_id", u.ID).Warn("failed to load latest avatar upload")
	}
	renderPage(c, h.cfg, status, "profile.html", data)
}

func (h *profileHandlers) uploadAvatar(c *gin.Context) {
	u, _ := currentUser(c)
	fh, err := c.FormFile("avatar")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderProfile(c, http.StatusRequestEntityTooLarge, "The file is too large.")
			return
		}
		h.renderProfile(c, http.StatusBadRequest, "Choose an image to upload.")
		return
	}
	f, err := fh.Open()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to read upload")
		return
	}
	defer f.Close()

	if _, err := h.intake.Accept(c.Request.Context(), u.ID, f, fh.Size); err != nil {
		switch {
		case errors.Is(err, ErrAvatarTooLarge):
			h.renderProfile(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("The file is too large (limit %d KiB).", h.cfg.MaxAvatarBytes>>10))
		case errors.Is(err, ErrAvatarEmpty):
			h.renderProfile(c, http.StatusUnprocessableEntity, "The file is empty.")
		case errors.Is(err, ErrAvatarType):
			h.renderProfile(c, http.StatusUnprocessableEntity, "Only PNG, JPEG and GIF images are accepted.")
		default:
			logrus.WithError(err).WithField("user_id", u.ID).Error("avatar upload")
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to store upload")
		}
		return
	}
	redirectWithFlash(c, h.cfg, "/profile", "Avatar uploaded. It will appear once processed.")
}

func (h *profileHandlers) totpSetupForm(c *gin.Context) {
	u, _ := currentUser(c)
	if u.TOTPEnabled {
		redirectWithFlash(c, h.cfg, "/profile", "Two-factor authentication is already on.")
		return
	}
	sess := currentSession(c)
	ctx := c.Request.Context()

	var enrollment TOTPEnrollment
	var err error
	if secret, _ := sess.Values[keyTOTPSetupSecret].(string); secret != "" {
		enrollment, err = h.auth.ResumeTOTPEnrollment(ctx, u.ID, secret)
	} else {
		enrollment, err = h.auth.BeginTOTPEnrollment(ctx, u.ID)
		if err == nil {
			sess.Values[keyTOTPSetupSecret] = enrollment.Secret
			err = saveSession(c, h.cfg, sess)
		}
	}
	if err != nil {
		logrus.WithError(err).WithField("user_id", u.ID).Error("totp enrollment")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to start two-factor setup")
		return
	}
	renderPage(c, h.cfg, http.StatusOK, "totp_setup.html", setupPageData(enrollment))
}

// setupPageData marks the generated QR data URL as safe; html/template
// would otherwise replace a data: URL in src with a placeholder.
func setupPageData(e TOTPEnrollment) gin.H {
	return gin.H{
		"Title":      "Set up two-factor authentication",
		"Enrollment": e,
		"QRCode":     template.URL(e.QRCodeData),
	}
}

func (h *profileHandlers) totpSetup(c *gin.Context) {
	u, _ := currentUser(c)
	sess := currentSession(c)
	ctx := c.Request.Context()
	secret, _ := sess.Values[keyTOTPSetupSecret].(string)

	err := h.auth.ConfirmTOTPEnrollment(ctx, u.ID, secret, c.PostForm("code"))
	switch {
	case err == nil:
		delete(sess.Values, keyTOTPSetupSecret)
		redirectWithFlash(c, h.cfg, "/profile", "Two-factor authentication is on.")
	case errors.Is(err, ErrInvalidTOTPCode), errors.Is(err, ErrTOTPCodeReused):
		enrollment, rerr := h.auth.ResumeTOTPEnrollment(ctx, u.ID, secret)
		if rerr != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to continue two-factor setup")
			return
		}
		data := setupPageData(enrollment)
		data["Error"] = "That code did not match. Try the current one."
		renderPage(c, h.cfg, http.StatusUnprocessableEntity, "totp_setup.html", data)
	case errors.Is(err, ErrTOTPEnrollmentMissing):
		c.Redirect(http.StatusSeeOther, "/profile/2fa/setup")
	case errors.Is(err, ErrTOTPAlreadyEnabled):
		delete(sess.Values, keyTOTPSetupSecret)
		redirectWithFlash(c, h.cfg, "/profile", "Two-factor authentication is already on.")
	default:
		logrus.WithError(err).WithField("user_id", u.ID).Error("confirm totp enrollment")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to enable two-factor authentication")
	}
}

func (h *profileHandlers) totpDisable(c *gin.Context) {
	u, _ := currentUser(c)
	err := h.auth.DisableTOTP(c.Request.Context(), u.ID, c.PostForm("password"), c.PostForm("code"))
	var locked *LockedError
	switch {
	case err == nil:
		redirectWithFlash(c, h.cfg, "/profile", "Two-factor authentication is off.")
	case errors.As(err, &locked):
		h.renderProfile(c, http.StatusLocked, "Too many failed attempts. The account is locked for now.")
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidTOTPCode), errors.Is(err, ErrTOTPCodeReused):
		authLog("totp_failed", c.ClientIP()).WithField("user_id", u.ID).Info("disable two-factor refused")
		h.renderProfile(c, http.StatusUnauthorized, "Password or code is wrong.")
	case errors.Is(err, ErrTOTPNotEnabled):
		c.Redirect(http.StatusSeeOther, "/profile")
	default:
		logrus.WithError(err).WithField("user_id", u.ID).Error("disable totp")
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to disable two-factor authentication")
	}
}
