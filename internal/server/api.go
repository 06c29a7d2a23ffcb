// Package server exposes the pipeline over HTTP: a control and status API,
// a websocket event stream, prometheus metrics and the relay endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/pipeline"
	"rugs-feed-lab/internal/reconcile"
	"rugs-feed-lab/internal/recording"
)

// Service is the pipeline surface the API drives.
type Service interface {
	Status() pipeline.Status
	StartCapture(cfg domain.CaptureConfig) (domain.CaptureSession, error)
	StopCapture(ctx context.Context) (domain.CaptureSession, error)
	RecordAction(req recording.ActionRequest) (domain.RecordedAction, error)
	SetLocalState(snap domain.LocalAccountSnapshot)
	DriftHistory() []reconcile.Report
	Games(day string) ([]domain.IndexEntry, error)
	SwitchSource() domain.SourceRole
	CurrentGame() *domain.GameTimeline
}

var _ Service = (*pipeline.Pipeline)(nil)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

type handler struct {
	svc         Service
	stopTimeout time.Duration
	now         func() time.Time
}

// startCaptureRequest is the body of POST /capture/start. Durations use Go syntax ("90m").
type startCaptureRequest struct {
	Mode                 domain.CaptureMode `json:"mode"`
	MaxTicks             int                `json:"maxTicks"`
	MaxGames             int                `json:"maxGames"`
	MaxDuration          string             `json:"maxDuration"`
	MaxIntegrityBreaches int                `json:"maxIntegrityBreaches"`
	MaxGapRun            int                `json:"maxGapRun"`
	ResumeAfterGames     int                `json:"resumeAfterGames"`
	PlayerID             string             `json:"playerId"`
	Username             string             `json:"username"`
}

func (r startCaptureRequest) config() (domain.CaptureConfig, error) {
	cfg := domain.CaptureConfig{
		Mode: r.Mode,
		Limits: domain.SessionLimits{
			MaxTicks:             r.MaxTicks,
			MaxGames:             r.MaxGames,
			MaxIntegrityBreaches: r.MaxIntegrityBreaches,
		},
		MaxGapRun:        r.MaxGapRun,
		PlayerID:         r.PlayerID,
		Username:         r.Username,
		ResumeAfterGames: r.ResumeAfterGames,
	}
	if r.MaxDuration != "" {
		d, err := time.ParseDuration(r.MaxDuration)
		if err != nil {
			return cfg, err
		}
		cfg.Limits.MaxDuration = d
	}
	return cfg, nil
}

// localStateRequest is the body of PUT /local-state.
type localStateRequest struct {
	Cash          decimal.Decimal `json:"cash"`
	PositionQty   decimal.Decimal `json:"positionQty"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	CumulativePnL decimal.Decimal `json:"cumulativePnL"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

func (h *handler) startCapture(c *gin.Context) {
	var req startCaptureRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	cfg, err := req.config()
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	session, err := h.svc.StartCapture(cfg)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *handler) stopCapture(c *gin.Context) {
	timeout := h.stopTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abort(c, http.StatusBadRequest, errors.New("timeout must be a positive duration"))
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	session, err := h.svc.StopCapture(ctx)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *handler) recordAction(c *gin.Context) {
	var req recording.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	action, err := h.svc.RecordAction(req)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

func (h *handler) setLocalState(c *gin.Context) {
	var req localStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	h.svc.SetLocalState(domain.LocalAccountSnapshot{
		Cash:          req.Cash,
		PositionQty:   req.PositionQty,
		AvgCost:       req.AvgCost,
		CumulativePnL: req.CumulativePnL,
		TotalInvested: req.TotalInvested,
		CapturedAt:    h.now(),
	})
	c.Status(http.StatusNoContent)
}

func (h *handler) drift(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"reports": h.svc.DriftHistory()})
}

func (h *handler) games(c *gin.Context) {
	day := c.DefaultQuery("day", h.now().UTC().Format(recording.DayLayout))
	if !dayPattern.MatchString(day) {
		abort(c, http.StatusBadRequest, errors.New("day must be YYYY-MM-DD"))
		return
	}
	games, err := h.svc.Games(day)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if games == nil {
		games = []domain.IndexEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "games": games})
}

func (h *handler) currentGame(c *gin.Context) {
	tl := h.svc.CurrentGame()
	if tl == nil {
		abort(c, http.StatusNotFound, errors.New("no game in play"))
		return
	}
	c.JSON(http.StatusOK, tl)
}

func (h *handler) switchSource(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": h.svc.SwitchSource()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recording.ErrInvalidAction), errors.Is(err, recording.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, recording.ErrCaptureSuspended):
		return http.StatusServiceUnavailable
	case errors.Is(err, recording.ErrSessionActive),
		errors.Is(err, recording.ErrNoSession),
		errors.Is(err, recording.ErrNoGameInFlight),
		errors.Is(err, recording.ErrActionsDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
