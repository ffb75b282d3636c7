package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/charsync/internal/auth"
	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/middleware"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/node"
	"github.com/annel0/charsync/internal/vec"
)

// Backend узел, за которым стоит API. Чтение идёт по опубликованному
// снимку, изменения выполняются командами в тике.
type Backend interface {
	Status() *node.Status
	Do(ctx context.Context, cmd node.Command) error
}

// Config параметры REST сервера
type Config struct {
	Addr     string
	Service  string
	Backend  Backend
	Accounts *auth.AccountStore
	Issuer   *auth.Issuer
	// Webhooks опционально: исходящие webhook'и управляются через admin API
	Webhooks *WebhookManager
	// Registerer/Gatherer для HTTP-метрик и /metrics; по умолчанию глобальные
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// CommandTimeout сколько ждать выполнения команды в тике
	CommandTimeout time.Duration
}

// Server REST API статуса и администрирования сессии
type Server struct {
	router   *gin.Engine
	cfg      Config
	metrics  *ServerMetrics
	logger   *logging.Logger
	http     *http.Server
	listener net.Listener
}

// GenericResponse общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// LoginRequest запрос на вход
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse ответ на вход
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

// SessionCommandRequest тело admin-команды сессии
type SessionCommandRequest struct {
	Duration float64 `json:"duration"`
}

// SpawnNPCRequest тело запроса на создание NPC
type SpawnNPCRequest struct {
	Name string  `json:"name" binding:"required"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

// NewServer создаёт REST сервер
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.Service == "" {
		cfg.Service = "charsync_api"
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	logger := logging.GetComponentLogger("api")
	router.Use(middleware.NewRequestLogger(logger).Handler())
	router.Use(otelgin.Middleware(cfg.Service))

	promMw := middleware.NewPrometheusMiddleware(cfg.Service, cfg.Registerer, cfg.Gatherer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	s := &Server{
		router:  router,
		cfg:     cfg,
		metrics: NewServerMetrics(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Handler http.Handler сервера (для httptest и встраивания)
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.POST("/login", s.handleLogin)
	api.GET("/session", s.handleSession)
	api.GET("/characters", s.handleCharacters)
	api.GET("/characters/closest", s.handleClosest)
	api.GET("/stats", s.handleStats)

	admin := api.Group("/admin")
	admin.Use(s.jwtMiddleware(), s.adminMiddleware())
	{
		admin.POST("/session/:command", s.handleSessionCommand)
		admin.POST("/npcs", s.handleSpawnNPC)
		admin.DELETE("/characters/:id", s.handleDespawn)

		if s.cfg.Webhooks != nil {
			admin.GET("/webhooks", s.handleGetWebhooks)
			admin.POST("/webhooks", s.handleCreateWebhook)
			admin.DELETE("/webhooks/:id", s.handleDeleteWebhook)
		}
	}
}

// Start начинает принимать соединения; возвращается после открытия порта
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rest listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST сервер: %v", err)
		}
	}()
	s.logger.Info("🌐 REST API слушает %s", ln.Addr())
	return nil
}

// Addr фактический адрес после Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop graceful shutdown
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.cfg.Backend.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
		"tick":   st.Tick,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Неверный формат запроса"})
		return
	}
	if s.cfg.Accounts == nil || s.cfg.Issuer == nil {
		c.JSON(http.StatusServiceUnavailable, LoginResponse{Message: "Вход отключён"})
		return
	}

	acc, err := s.cfg.Accounts.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrAccountNotFound) || errors.Is(err, auth.ErrWrongPassword) {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Неверное имя пользователя или пароль"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Внутренняя ошибка сервера"})
		return
	}

	token, err := s.cfg.Issuer.Issue(acc.Name, acc.IsAdmin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Ошибка генерации токена"})
		return
	}
	s.logger.Info("🔑 Вход %s (admin=%v)", acc.Name, acc.IsAdmin)
	c.JSON(http.StatusOK, LoginResponse{
		Success: true,
		Token:   token,
		Message: "Успешная авторизация",
		IsAdmin: acc.IsAdmin,
	})
}

func (s *Server) handleSession(c *gin.Context) {
	st := s.cfg.Backend.Status()
	c.JSON(http.StatusOK, gin.H{
		"session_id":  st.SessionID,
		"state":       st.State,
		"countdown":   st.Countdown,
		"game_time":   st.GameTime,
		"ready":       st.Ready,
		"ready_count": len(st.Ready),
		"peers":       st.Peers,
		"revision":    st.Revision,
	})
}

func (s *Server) handleCharacters(c *gin.Context) {
	st := s.cfg.Backend.Status()
	chars := st.Characters
	switch c.Query("kind") {
	case "player", "npc":
		kind := c.Query("kind")
		filtered := make([]node.CharacterStatus, 0, len(chars))
		for _, ch := range chars {
			if ch.Kind == kind {
				filtered = append(filtered, ch)
			}
		}
		chars = filtered
	case "":
	default:
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "kind: player или npc"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"players":    st.Players,
		"npcs":       st.NPCs,
		"characters": chars,
	})
}

func (s *Server) handleClosest(c *gin.Context) {
	var origin vec.Vec3
	for _, p := range []struct {
		name string
		dst  *float64
	}{{"x", &origin.X}, {"y", &origin.Y}, {"z", &origin.Z}} {
		raw := c.DefaultQuery(p.name, "0")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Message: fmt.Sprintf("%s: не число", p.name)})
			return
		}
		*p.dst = v
	}
	exclude := netid.None
	if raw := c.Query("exclude"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Message: "exclude: не ConnectionID"})
			return
		}
		exclude = netid.ConnectionID(v)
	}

	ch, ok := s.cfg.Backend.Status().Closest(origin, exclude)
	if !ok {
		c.JSON(http.StatusNotFound, GenericResponse{Message: "Персонажей нет"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Ближайший персонаж",
		Data: gin.H{
			"character": ch,
			"distance":  origin.DistanceTo(ch.Position),
		},
	})
}

func (s *Server) handleStats(c *gin.Context) {
	st := s.cfg.Backend.Status()
	memoryMB, _ := s.metrics.GetMemoryUsage()
	cpuPercent, _ := s.metrics.GetCPUUsage()

	stats := gin.H{
		"tick":     st.Tick,
		"sim_time": st.SimTime,
		"drops":    st.Drops,
		"events":   st.Events,
		"server": gin.H{
			"uptime":      s.metrics.GetUptime(),
			"memory_mb":   fmt.Sprintf("%.2f", memoryMB),
			"cpu_percent": fmt.Sprintf("%.2f", cpuPercent),
			"server_time": time.Now().Unix(),
		},
		"memory_details": s.metrics.GetDetailedMemoryStats(),
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Статистика получена", Data: stats})
}

// ---- Администрирование ----

func (s *Server) do(c *gin.Context, cmd node.Command) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.CommandTimeout)
	defer cancel()
	return s.cfg.Backend.Do(ctx, cmd)
}

func (s *Server) handleSessionCommand(c *gin.Context) {
	command := c.Param("command")
	var req SessionCommandRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный формат запроса"})
			return
		}
	}
	err := s.do(c, func(n *node.Node) error {
		return n.ExecuteSession(command, req.Duration)
	})
	if err != nil {
		s.commandFailed(c, err)
		return
	}
	s.logger.Info("🛠️ %s выполнил %s", c.GetString("player_name"), command)
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Команда выполнена",
		Data:    gin.H{"state": s.cfg.Backend.Status().State},
	})
}

func (s *Server) handleSpawnNPC(c *gin.Context) {
	var req SpawnNPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный формат запроса"})
		return
	}
	var id netid.EntityID
	err := s.do(c, func(n *node.Node) error {
		ch, err := n.SpawnNPC(req.Name, vec.Vec3{X: req.X, Y: req.Y, Z: req.Z})
		if err != nil {
			return err
		}
		id = ch.ID
		return nil
	})
	if err != nil {
		s.commandFailed(c, err)
		return
	}
	c.JSON(http.StatusCreated, GenericResponse{Success: true, Message: "NPC создан", Data: gin.H{"id": id}})
}

func (s *Server) handleDespawn(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Message: "Неверный id"})
		return
	}
	err = s.do(c, func(n *node.Node) error { return n.Despawn(netid.EntityID(id)) })
	if err != nil {
		s.commandFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Персонаж удалён"})
}
