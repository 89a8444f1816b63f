package restseed

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/autopilot"
	"github.com/haivemind/core/internal/checkpoint"
	"github.com/haivemind/core/internal/common/apperrors"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus/wsfanout"
	"github.com/haivemind/core/internal/session"
	"github.com/haivemind/core/internal/workspacestore"
	v1 "github.com/haivemind/core/pkg/api/v1"
)

// wsUpgrader upgrades REST connections to WebSocket for the fan-out hub.
// CheckOrigin is permissive, matching the teacher's local-dev posture;
// a production deployment would restrict this to known origins.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler holds the dependencies every REST endpoint translates HTTP
// into calls against.
type Handler struct {
	store       *workspacestore.Store
	sessions    *session.Service
	checkpoints *checkpoint.Service
	autopilot   *autopilot.Loop
	hub         *wsfanout.Hub
	log         *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(store *workspacestore.Store, sessions *session.Service, checkpoints *checkpoint.Service, pilot *autopilot.Loop, hub *wsfanout.Hub, log *logger.Logger) *Handler {
	return &Handler{store: store, sessions: sessions, checkpoints: checkpoints, autopilot: pilot, hub: hub, log: log}
}

func respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// ListProjects handles GET /api/projects.
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectToResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

// CreateProject handles POST /api/projects.
func (h *Handler) CreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	project := &domain.Project{
		Slug:      req.Slug,
		Name:      req.Name,
		Directory: req.Directory,
		Settings:  domain.ProjectSettings{},
	}
	if err := h.store.CreateProject(project); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, projectToResponse(project))
}

// GetProject handles GET /api/projects/:slug.
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.store.GetProject(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projectToResponse(project))
}

// DeleteProject handles DELETE /api/projects/:slug.
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.store.DeleteProject(c.Param("slug")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSettings handles GET /api/projects/:slug/settings.
func (h *Handler) GetSettings(c *gin.Context) {
	project, err := h.store.GetProject(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsToResponse(project.Settings))
}

// PutSettings handles PUT /api/projects/:slug/settings.
func (h *Handler) PutSettings(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.store.GetProject(slug); err != nil {
		respondError(c, err)
		return
	}
	var req v1.ProjectSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	settings := domain.ProjectSettings{
		CostCeiling:     req.CostCeiling,
		MaxConcurrency:  req.MaxConcurrency,
		MaxRetriesTotal: req.MaxRetriesTotal,
		Escalation:      req.Escalation,
	}
	if err := h.store.SaveSettings(slug, settings); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsToResponse(settings))
}

// ListSessions handles GET /api/projects/:slug/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Param("slug"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

// GetSession handles GET /api/projects/:slug/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Param("slug"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// StartSession handles POST /api/projects/:slug/sessions.
func (h *Handler) StartSession(c *gin.Context) {
	var req v1.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	sess, err := h.sessions.Start(c.Request.Context(), c.Param("slug"), req.Prompt, session.StartOptions{})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sessionToResponse(sess))
}

// GetDiff handles GET /api/projects/:slug/sessions/:id/diff.
// Computing an actual unified diff requires a workspace VCS adapter this
// core does not implement (spec.md §1 treats "Snapshot/rollback" as an
// out-of-scope collaborator); this endpoint reports the shape spec.md §6
// names with an empty file list until that collaborator is wired.
func (h *Handler) GetDiff(c *gin.Context) {
	slug, id := c.Param("slug"), c.Param("id")
	if _, err := h.store.GetSession(slug, id); err != nil {
		respondError(c, err)
		return
	}
	withPatches, _ := strconv.ParseBool(c.Query("patches"))
	resp := v1.DiffResponse{SessionID: id, FilesChanged: 0}
	if withPatches {
		resp.Files = []v1.DiffFile{}
	}
	c.JSON(http.StatusOK, resp)
}

// Rollback handles POST /api/projects/:slug/sessions/:id/rollback.
func (h *Handler) Rollback(c *gin.Context) {
	slug, id := c.Param("slug"), c.Param("id")
	sess, err := h.store.GetSession(slug, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.SnapshotRef == "" {
		respondError(c, apperrors.BadRequest("session has no snapshot to roll back to"))
		return
	}
	h.log.Info("rollback requested", zap.String("session_id", id), zap.String("snapshot_ref", sess.SnapshotRef))
	c.JSON(http.StatusAccepted, gin.H{"sessionId": id, "snapshotRef": sess.SnapshotRef})
}

// AutopilotStatus handles GET /api/projects/:slug/autopilot.
func (h *Handler) AutopilotStatus(c *gin.Context) {
	slug := c.Param("slug")
	c.JSON(http.StatusOK, v1.AutopilotStatus{ProjectSlug: slug, Running: h.sessions.StartLocks().Locked(slug)})
}

// AutopilotStart handles POST /api/projects/:slug/autopilot.
func (h *Handler) AutopilotStart(c *gin.Context) {
	slug := c.Param("slug")
	var req v1.AutopilotStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	opts := autopilot.Options{
		MaxCycles:    req.MaxCycles,
		CostCeiling:  req.CostCeiling,
		RequireTests: req.RequireTests,
		BackendName:  req.BackendName,
	}
	go func() {
		if _, err := h.autopilot.Run(c.Request.Context(), slug, req.Prompt, opts); err != nil {
			h.log.Error("autopilot run failed", zap.String("project_slug", slug), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, v1.AutopilotStatus{ProjectSlug: slug, Running: true})
}

// AutopilotStop handles POST /api/projects/:slug/autopilot/stop.
func (h *Handler) AutopilotStop(c *gin.Context) {
	slug := c.Param("slug")
	h.autopilot.Stop(slug)
	c.JSON(http.StatusAccepted, v1.AutopilotStatus{ProjectSlug: slug, Running: false})
}

// ListCheckpoints handles GET /api/checkpoints.
func (h *Handler) ListCheckpoints(c *gin.Context) {
	c.JSON(http.StatusOK, h.checkpoints.Checkpoints())
}

// ListInterrupted handles GET /api/interrupted-sessions.
func (h *Handler) ListInterrupted(c *gin.Context) {
	sessions, err := h.checkpoints.ListInterrupted()
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]v1.InterruptedSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, v1.InterruptedSession{SessionID: s.SessionID, ProjectSlug: s.ProjectSlug, CheckpointedAt: s.RecoveredAt})
	}
	c.JSON(http.StatusOK, out)
}

// DiscardInterrupted handles POST /api/interrupted-sessions/:id/discard.
func (h *Handler) DiscardInterrupted(c *gin.Context) {
	if err := h.checkpoints.DiscardInterrupted(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResumeInterrupted handles POST /api/interrupted-sessions/:id/resume.
// Resuming replays the session's last prompt through Session.Continue
// against its originating project, then discards the interrupted
// marker; full state reconstruction from a checkpoint's partial plan is
// left to the Session Service's own incremental-plan handling.
func (h *Handler) ResumeInterrupted(c *gin.Context) {
	id := c.Param("id")
	sessions, err := h.checkpoints.ListInterrupted()
	if err != nil {
		respondError(c, err)
		return
	}
	var slug string
	for _, s := range sessions {
		if s.SessionID == id {
			slug = s.ProjectSlug
			break
		}
	}
	if slug == "" {
		respondError(c, apperrors.NotFound("interrupted session", id))
		return
	}
	stored, err := h.store.GetSession(slug, id)
	if err != nil {
		respondError(c, err)
		return
	}
	sess, err := h.sessions.Continue(c.Request.Context(), slug, id, stored.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.checkpoints.DiscardInterrupted(id); err != nil {
		h.log.Warn("failed to discard interrupted record after resume", zap.String("session_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	projects, err := h.store.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:      "ok",
		Sessions:    h.sessions.LiveCount(),
		Projects:    len(projects),
		Clients:     clients,
		ActiveLocks: h.sessions.StartLocks().Count(),
	})
}

// ServeWS handles GET /api/ws, upgrading to a WebSocket connection
// fanning out bus envelopes, per spec.md §6's WebSocket transport.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := wsfanout.NewClient(c.Request.RemoteAddr, conn, h.hub, h.log)
	h.hub.Register(client)
}

func projectToResponse(p *domain.Project) v1.Project {
	return v1.Project{
		Slug:      p.Slug,
		Name:      p.Name,
		Directory: p.Directory,
		CreatedAt: p.CreatedAt,
		Settings:  settingsToResponse(p.Settings),
	}
}

func settingsToResponse(s domain.ProjectSettings) v1.ProjectSettings {
	return v1.ProjectSettings{
		CostCeiling:     s.CostCeiling,
		MaxConcurrency:  s.MaxConcurrency,
		MaxRetriesTotal: s.MaxRetriesTotal,
		Escalation:      s.Escalation,
	}
}

func sessionToResponse(s *domain.Session) v1.Session {
	return v1.Session{
		SessionID:   s.SessionID,
		ProjectSlug: s.ProjectSlug,
		Prompt:      s.Prompt,
		Status:      string(s.Status),
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		SnapshotRef: s.SnapshotRef,
		CostSummary: v1.CostSummary{
			TotalAgents:          s.CostSummary.TotalAgents,
			TotalPremiumRequests: s.CostSummary.TotalPremiumRequests,
			PerTier:              s.CostSummary.PerTier,
		},
	}
}
