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
)

// RouterDeps carries the collaborators the HTTP layer needs.
type RouterDeps struct {
	Store sessions.Store
	Auth  AuthService
	// Challenges counts second-factor attempts per login challenge.
	Challenges ChallengeCounter
	Users      UserRepository
	Uploads    AvatarUploadRepository
	Queue      RedisClient
	Metrics    *MetricsService
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(cfg Config, deps RouterDeps) (*gin.Engine, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Challenges == nil {
		return nil, errors.New("challenge counter is required")
	}
	startedAt := deps.Now()

	r := gin.Default()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	// Global middleware: origin/CORS -> body limit -> session -> CSRF
	r.Use(OriginRefererMiddleware(cfg))
	r.Use(BodyLimitMiddleware(cfg))
	r.Use(SessionMiddleware(cfg, deps.Store))
	r.Use(CSRFMiddleware(cfg))

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "page not found")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.Static("/avatars", cfg.AvatarDir)

	throttle := NewIPRateLimiter(cfg.AuthRatePerMinute).Middleware()
	auth := &authHandlers{cfg: cfg, auth: deps.Auth, challenges: deps.Challenges, now: deps.Now}
	r.GET("/login", auth.loginForm)
	r.POST("/login", throttle, auth.login)
	r.GET("/login/2fa", auth.challengeForm)
	r.POST("/login/2fa", throttle, auth.challenge)
	r.GET("/register", auth.registerForm)
	r.POST("/register", throttle, auth.register)
	r.POST("/logout", auth.logout)

	intake := NewAvatarIntake(deps.Uploads, deps.Queue, cfg.UploadDir, cfg.MaxAvatarBytes)
	profile := &profileHandlers{cfg: cfg, auth: deps.Auth, uploads: deps.Uploads, intake: intake}
	signedIn := r.Group("/")
	signedIn.Use(RequireLogin(cfg, deps.Users))
	{
		signedIn.GET("/", profile.home)
		signedIn.GET("/profile", profile.show)
		signedIn.POST("/profile/avatar", profile.uploadAvatar)
		signedIn.GET("/profile/2fa/setup", profile.totpSetupForm)
		signedIn.POST("/profile/2fa/setup", profile.totpSetup)
		signedIn.POST("/profile/2fa/disable", profile.totpDisable)
	}

	api := r.Group("/api/v1")
	api.Use(RequireLogin(cfg, deps.Users))
	{
		api.GET("/users/me", func(c *gin.Context) {
			u, _ := currentUser(c)
			c.JSON(http.StatusOK, gin.H{"user": u})
		})

		admin := api.Group("/admin")
		admin.Use(AdminOnly())

		admin.GET("/users", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Users.List(c.Request.Context(), page, perPage)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"items":       items,
				"page":        page,
				"per_page":    perPage,
				"total_items": total,
				"total_pages": calcTotalPages(total, perPage),
			})
		})

		admin.POST("/users/:id/unlock", func(c *gin.Context) {
			id, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil || id <= 0 {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid user id")
				return
			}
			if err := deps.Auth.Unlock(c.Request.Context(), id); err != nil {
				if errors.Is(err, ErrUserNotFound) {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "user not found")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to unlock user")
				return
			}
			actor, _ := currentUser(c)
			authLog("account_unlocked", c.ClientIP()).WithField("user_id", id).WithField("admin_id", actor.ID).Info("account unlocked by admin")
			c.JSON(http.StatusOK, gin.H{"id": id, "unlocked": true})
		})

		metrics := admin.Group("/metrics")
		{
			metrics.GET("/overview", func(c *gin.Context) {
				queueMetrics, workers, err := deps.Metrics.Overview(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load metrics")
					return
				}
				c.JSON(http.StatusOK, gin.H{
					"queues":  queueMetrics,
					"workers": workers,
				})
			})

			metrics.GET("/queues", func(c *gin.Context) {
				queueMetrics, err := deps.Metrics.Queue(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load queue metrics")
					return
				}
				c.JSON(http.StatusOK, queueMetrics)
			})

			metrics.GET("/workers", func(c *gin.Context) {
				workers, err := deps.Metrics.Workers(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load workers")
					return
				}
				c.JSON(http.StatusOK, gin.H{"workers": workers})
			})

			metrics.GET("/workers/:id", func(c *gin.Context) {
				hb, err := deps.Metrics.WorkerByID(c.Request.Context(), c.Param("id"))
				if err != nil {
					if errors.Is(err, ErrWorkerNotFound) {
						respondError(c, http.StatusNotFound, "NOT_FOUND", "worker not found")
						return
					}
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load worker")
					return
				}
				c.JSON(http.StatusOK, hb)
			})
		}

		admin.GET("/system/status", func(c *gin.Context) {
			st := CollectSystemStatus(c.Request.Context(), deps.Metrics, deps.Users, startedAt, deps.Now())
			c.JSON(http.StatusOK, st)
		})
	}

	return r, nil
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

func parsePagination(pageStr, perPageStr string) (int, int, error) {
	page := 1
	perPage := defaultPerPage
	if strings.TrimSpace(pageStr) != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		page = p
	}
	if strings.TrimSpace(perPageStr) != "" {
		p, err := strconv.Atoi(perPageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("per_page must be a positive integer")
		}
		if p > maxPerPage {
			p = maxPerPage
		}
		perPage = p
	}
	return page, perPage, nil
}

func calcTotalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
