// Package api is the REST control surface: session bootstrap,
// account/ledger reads, admin pool stats, and the `/v1/ide/connect`
// WebSocket upgrade entry point that hands a connection to
// internal/multiplex.
package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/forgehq/runtime-core/internal/authn"
	"github.com/forgehq/runtime-core/internal/collab"
	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/ledger"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/multiplex"
	"github.com/forgehq/runtime-core/internal/orchestrator"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // CLI/SDK directly connecting
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// Handler wires the HTTP/WebSocket surface to the component graph built
// by cmd/forge-server: store, orchestrator, ledger, collaboration
// broker, token verifier, and the optional LSP/DAP proxies.
type Handler struct {
	cfg    *config.Config
	st     store.Store
	drv    driver.Driver
	orch   *orchestrator.Orchestrator
	ldg    *ledger.Ledger
	auth   *authn.Verifier
	bcast  *collab.Broker
	lsp    multiplex.LanguageServerProxy
	dap    multiplex.DebugAdapterProxy
	apiKey string
}

// NewHandler constructs a Handler. lsp/dap may be nil if no language
// server or debug adapter proxy is configured for this deployment.
func NewHandler(cfg *config.Config, st store.Store, drv driver.Driver, orch *orchestrator.Orchestrator, ldg *ledger.Ledger, auth *authn.Verifier, bcast *collab.Broker, lsp multiplex.LanguageServerProxy, dap multiplex.DebugAdapterProxy, apiKey string) *Handler {
	return &Handler{cfg: cfg, st: st, drv: drv, orch: orch, ldg: ldg, auth: auth, bcast: bcast, lsp: lsp, dap: dap, apiKey: apiKey}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")

	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}

	v1.POST("/sessions", h.createSession)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/:id", h.getSession)
	v1.DELETE("/sessions/:id", h.endSession)
	v1.POST("/sessions/:id/rescale", h.rescaleSession)
	v1.POST("/sessions/:id/clone", h.cloneSession)

	v1.GET("/accounts/:user_ref/balance", h.getBalance)
	v1.POST("/accounts/:user_ref/grant", h.grantCredits)

	v1.GET("/admin/stats", h.adminStats)

	// Registered directly on e, not v1: the IDE Multiplexer's own `auth`
	// message carries the bearer token, so the API-key middleware above
	// does not apply to this upgrade route.
	e.GET("/v1/ide/connect", h.connectIDE)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Forge-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if h.apiKey != "" && key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

// httpStatusFor maps an errs.Kind to an HTTP status, so every handler
// below can share one error-translation path.
func httpStatusFor(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidToken, errs.AuthRequired:
		return http.StatusUnauthorized
	case errs.InvalidConfig, errs.InvalidPath:
		return http.StatusBadRequest
	case errs.InsufficientBalance, errs.CapExceeded, errs.ApprovalRequired:
		return http.StatusPaymentRequired
	case errs.PoolFull, errs.EngineUnavailable, errs.SandboxUnhealthy:
		return http.StatusServiceUnavailable
	case errs.NotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c echo.Context, err error) error {
	return c.JSON(httpStatusFor(err), map[string]string{"error": err.Error()})
}

type createSessionRequest struct {
	UserRef          string `json:"user_ref"`
	ProjectRef       string `json:"project_ref"`
	Runtime          string `json:"runtime"`
	Version          string `json:"version"`
	EnvironmentClass string `json:"environment_class"`
	ForceNew         bool   `json:"force_new"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	SandboxID string `json:"sandbox_id"`
}

func (h *Handler) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if req.UserRef == "" || req.ProjectRef == "" || req.Runtime == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_ref, project_ref, and runtime are required")
	}

	envClass := types.EnvironmentClass(req.EnvironmentClass)
	if envClass == "" {
		envClass = types.EnvDevelopment
	}

	sessionID, err := h.orch.Assign(c.Request().Context(), req.UserRef, req.ProjectRef, req.Runtime, req.Version, envClass, req.ForceNew)
	if err != nil {
		return respondErr(c, err)
	}

	sess, err := h.st.GetSession(sessionID)
	if err != nil {
		return respondErr(c, err)
	}

	return c.JSON(http.StatusCreated, sessionResponse{SessionID: sessionID, SandboxID: sess.AssignedSandboxRef})
}

func (h *Handler) listSessions(c echo.Context) error {
	sessions, err := h.st.ListActiveSessions()
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) getSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.st.GetSession(id)
	if err != nil {
		return respondErr(c, err)
	}
	info, err := h.orch.Status(c.Request().Context(), sess.AssignedSandboxRef)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"session": sess, "sandbox": info})
}

func (h *Handler) endSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.st.GetSession(id)
	if err != nil {
		return respondErr(c, err)
	}
	if err := h.orch.Reap(c.Request().Context(), sess.AssignedSandboxRef, types.TerminationAdmin); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rescaleRequest struct {
	Limits types.ResourceLimits `json:"limits"`
}

func (h *Handler) rescaleSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.st.GetSession(id)
	if err != nil {
		return respondErr(c, err)
	}
	var req rescaleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if err := h.orch.Rescale(c.Request().Context(), sess.AssignedSandboxRef, req.Limits); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) cloneSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := h.st.GetSession(id)
	if err != nil {
		return respondErr(c, err)
	}
	newSandboxID, err := h.orch.Clone(c.Request().Context(), sess.AssignedSandboxRef, sess.UserRef)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"sandbox_id": newSandboxID})
}

func (h *Handler) getBalance(c echo.Context) error {
	userRef := c.Param("user_ref")
	acct, err := h.st.GetAccountByUser(userRef)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, acct)
}

type grantRequest struct {
	AmountMillis int64  `json:"amount_millicredits"`
	Reason       string `json:"reason"`
}

func (h *Handler) grantCredits(c echo.Context) error {
	userRef := c.Param("user_ref")
	acct, err := h.st.GetAccountByUser(userRef)
	if err != nil {
		return respondErr(c, err)
	}
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if err := h.ldg.Grant(c.Request().Context(), acct.ID, req.AmountMillis, req.Reason); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) adminStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.orch.StatsSnapshot())
}

// connectIDE upgrades to WebSocket and hands the connection to
// internal/multiplex.Session, which itself enforces the auth-first rule
// before any file/terminal/lsp/dap traffic is dispatched.
func (h *Handler) connectIDE(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	connID := uuid.NewString()
	logger := log.Component("api").With().Str("connection", connID).Logger()
	logger.Info().Msg("ide connection opened")

	sess := multiplex.New(connID, ws, h.cfg, h.st, h.drv, h.auth, h.orch, h.bcast, h.lsp, h.dap)
	sess.Run(c.Request().Context())
	logger.Info().Msg("ide connection closed")
	return nil
}
