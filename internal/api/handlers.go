package api

import (
	"net/http"
	"strconv"
	"time"

	"equities-trading-bot/internal/auth"
	"equities-trading-bot/internal/coord"
	"equities-trading-bot/internal/signal"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	checks := gin.H{
		"redis": s.store.IsHealthy(),
	}
	if s.db.Enabled() {
		err := s.db.Ping(c.Request.Context())
		checks["database"] = err == nil
		if err != nil {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "checks": checks})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	ac := s.cfg.AuthConfig
	if req.Username != ac.AdminUser || !auth.VerifyPassword(req.Password, ac.AdminPasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwt.Generate(req.Username)
	if err != nil {
		s.logger.Error().Err(err).Msg("Token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.risk.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"engine":     s.engine.Status(),
		"risk":       snap,
		"api_tokens": s.limiter.Remaining(c.Request.Context()),
		"redis":      s.store.GetStats(),
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	emittedOnly := c.Query("emitted") == "true"

	if s.db.Enabled() {
		rows, err := s.db.RecentSignals(c.Request.Context(), limit, emittedOnly)
		if err != nil {
			s.logger.Error().Err(err).Msg("Recent signals query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"signals": rows, "source": "database"})
		return
	}

	// Without a database, serve the in-memory stream tail.
	c.JSON(http.StatusOK, gin.H{
		"signals": s.store.StreamTail(coord.StreamSignals, limit),
		"source":  "stream",
	})
}

func (s *Server) handleSuppressions(c *gin.Context) {
	if s.db.Enabled() {
		since := time.Now().Add(-24 * time.Hour)
		counts, err := s.db.SuppressionCounts(c.Request.Context(), since)
		if err != nil {
			s.logger.Error().Err(err).Msg("Suppression counts query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts, "window_hours": 24})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recent": s.store.StreamTail(coord.StreamSuppressions, 100),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.risk.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"positions":    snap.OpenPositions,
		"pending":      snap.PendingOrders,
		"equity":       snap.Equity,
		"realized_pct": snap.RealizedPct,
	})
}

type killSwitchRequest struct {
	Action string `json:"action" binding:"required"` // "trip" or "reset"
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action required"})
		return
	}

	user := c.GetString(auth.ContextKeyUser)
	switch req.Action {
	case "trip":
		s.risk.TripKillSwitch("manual trip via ops api by " + user)
	case "reset":
		s.risk.ResetKillSwitch()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be trip or reset"})
		return
	}

	s.logger.Info().Str("action", req.Action).Str("user", user).Msg("Kill switch action")
	c.JSON(http.StatusOK, gin.H{"kill_switch": s.risk.KillSwitchActive()})
}

func (s *Server) handleFlatten(c *gin.Context) {
	closed, err := s.flattener.FlattenAll(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual flatten failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "closed": closed})
		return
	}
	s.logger.Info().Int("closed", closed).Str("user", c.GetString(auth.ContextKeyUser)).Msg("Manual flatten")
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

type cutoffRequest struct {
	Session string  `json:"session" binding:"required"` // "rth" or "ext"
	Value   float64 `json:"value"`
}

func cutoffKey(session string) (string, bool) {
	switch signal.Session(session) {
	case signal.SessionRTH:
		return coord.KeyCutoffRTH, true
	case signal.SessionEXT:
		return coord.KeyCutoffEXT, true
	}
	return "", false
}

func (s *Server) handleSetCutoff(c *gin.Context) {
	var req cutoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session and value required"})
		return
	}
	key, ok := cutoffKey(req.Session)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session must be rth or ext"})
		return
	}

	if err := s.store.SetCutoffOverride(c.Request.Context(), key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("session", req.Session).Float64("value", req.Value).
		Str("user", c.GetString(auth.ContextKeyUser)).Msg("Cutoff override set")
	c.JSON(http.StatusOK, gin.H{"session": req.Session, "value": req.Value})
}

func (s *Server) handleClearCutoff(c *gin.Context) {
	key, ok := cutoffKey(c.Query("session"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session must be rth or ext"})
		return
	}
	if err := s.store.ClearCutoffOverride(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": c.Query("session")})
}
