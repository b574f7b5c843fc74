package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/backup"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/meta"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/record"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/session"
	"github.com/MarcoPoloResearchLab/retroboard/backend/internal/team"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingTeamStore      = errors.New("team store dependency required")
	errMissingMetaStore      = errors.New("metadata store dependency required")
	errMissingSessionService = errors.New("session service dependency required")
	errMissingBackupService  = errors.New("backup service dependency required")
)

// Dependencies carries the constructed core components into the router.
// Identity headers arrive already authenticated; this layer never verifies
// tokens.
type Dependencies struct {
	Teams    *team.Store
	Meta     *meta.Store
	Sessions *session.Service
	Backups  *backup.Service
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the persistence core to the
// presentation layer.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Teams == nil {
		return nil, errMissingTeamStore
	}
	if deps.Meta == nil {
		return nil, errMissingMetaStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionService
	}
	if deps.Backups == nil {
		return nil, errMissingBackupService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-User-Id", "X-User-Name"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		teams:    deps.Teams,
		meta:     deps.Meta,
		sessions: deps.Sessions,
		backups:  deps.Backups,
		logger:   logger,
	}

	router.POST("/teams", handler.handleCreateTeam)
	router.GET("/teams", handler.handleListTeams)
	router.GET("/teams/:id", handler.handleGetTeam)
	router.PATCH("/teams/:id", handler.handlePatchTeam)
	router.POST("/teams/:id/rename", handler.handleRenameTeam)
	router.DELETE("/teams/:id", handler.handleDeleteTeam)
	router.GET("/team-index/:name", handler.handleLookupTeam)

	router.GET("/session/ws", handler.handleSessionSocket)

	router.GET("/backups", handler.handleListBackups)
	router.POST("/backups", handler.handleCreateBackup)
	router.POST("/backups/:id/restore", handler.handleRestoreBackup)
	router.PATCH("/backups/:id", handler.handleUpdateBackup)
	router.DELETE("/backups/:id", handler.handleDeleteBackup)

	return router, nil
}

type httpHandler struct {
	teams    *team.Store
	meta     *meta.Store
	sessions *session.Service
	backups  *backup.Service
	logger   *zap.Logger
}

func (h *httpHandler) handleCreateTeam(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil || payload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	teamID, _ := payload["id"].(string)
	if teamID == "" {
		teamID = uuid.NewString()
		payload["id"] = teamID
	}
	created, err := h.teams.Create(c.Request.Context(), teamID, payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleListTeams(c *gin.Context) {
	teams, err := h.teams.LoadAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams})
}

func (h *httpHandler) handleGetTeam(c *gin.Context) {
	data, revision, err := h.teams.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": data, "revision": revision})
}

func (h *httpHandler) handlePatchTeam(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil || len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.teams.AtomicUpdate(c.Request.Context(), c.Param("id"), func(data map[string]any) (map[string]any, error) {
		changed := false
		for field, value := range patch {
			// Identity and name changes take dedicated routes.
			if field == "id" || field == "name" {
				continue
			}
			data[field] = value
			changed = true
		}
		if !changed {
			return nil, nil
		}
		return data, nil
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type renamePayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleRenameTeam(c *gin.Context) {
	var request renamePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.teams.Rename(c.Request.Context(), c.Param("id"), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeleteTeam(c *gin.Context) {
	if err := h.teams.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLookupTeam(c *gin.Context) {
	teamID, err := h.teams.LookupID(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": teamID})
}

type createBackupPayload struct {
	Label string `json:"label"`
}

func (h *httpHandler) handleCreateBackup(c *gin.Context) {
	var request createBackupPayload
	_ = c.ShouldBindJSON(&request)
	entry, err := h.backups.Create(c.Request.Context(), backup.TypeManual, request.Label)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "backup_in_progress"})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *httpHandler) handleListBackups(c *gin.Context) {
	entries, err := h.backups.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": entries})
}

func (h *httpHandler) handleRestoreBackup(c *gin.Context) {
	if err := h.backups.Restore(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateBackupPayload struct {
	Label     *string `json:"label"`
	Protected *bool   `json:"protected"`
}

func (h *httpHandler) handleUpdateBackup(c *gin.Context) {
	var request updateBackupPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.backups.Update(c.Request.Context(), c.Param("id"), backup.UpdatePatch{
		Label:     request.Label,
		Protected: request.Protected,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *httpHandler) handleDeleteBackup(c *gin.Context) {
	if err := h.backups.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondError maps the core's stable failure reasons onto HTTP statuses;
// the presentation layer owns translating codes to messages.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	reason := record.ReasonOf(err)
	switch reason {
	case team.ReasonNotFound, backup.ReasonNotFound, meta.ReasonTokenInvalid:
		c.JSON(http.StatusNotFound, gin.H{"error": reason})
	case team.ReasonNameTaken, team.ReasonExists, record.ReasonMaxRetries:
		c.JSON(http.StatusConflict, gin.H{"error": reason})
	case backup.ReasonInvalidFormat:
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
