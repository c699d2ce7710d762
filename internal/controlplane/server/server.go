package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/betbot/botfleet/internal/storage"
	"github.com/betbot/botfleet/internal/supervisor"
	"github.com/betbot/botfleet/pkg/logger"
	"github.com/betbot/botfleet/pkg/ratelimit"
)

// TenantHeader carries the caller's tenant id. Authentication happens in
// front of this service.
const TenantHeader = "X-Tenant-ID"

type Config struct {
	Listen     string
	LogsDir    string
	AdminToken string
	// RateLimit requests per RateWindow per client IP; 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	cfg     Config
	sup     *supervisor.Supervisor
	store   *storage.Optimizer
	metrics http.Handler
	limiter *ratelimit.KeyedLimiter

	upgrader websocket.Upgrader
}

// New builds the control plane. metrics may be nil.
func New(cfg Config, sup *supervisor.Supervisor, store *storage.Optimizer, metrics http.Handler) (*Server, error) {
	if sup == nil || store == nil {
		return nil, errors.New("supervisor and storage are required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	s := &Server{
		cfg:     cfg,
		sup:     sup,
		store:   store,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit, cfg.RateWindow, 10*time.Minute)
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/", s.wrap(s.handleUI))

	api := r.Group("/api", s.rateLimit())
	api.GET("/events", s.wrap(s.handleEvents))

	tenant := api.Group("", s.requireTenant())

	bots := tenant.Group("/bots")
	bots.GET("", s.wrap(s.handleBotsList))
	botID := bots.Group("/:botID")
	botID.DELETE("", s.wrap(s.handleBotDelete))
	botID.POST("/start", s.wrap(s.handleBotStart))
	botID.POST("/stop", s.wrap(s.handleBotStop))
	botID.POST("/restart", s.wrap(s.handleBotRestart))
	botID.POST("/auto-restart", s.wrap(s.handleBotAutoRestart))
	botID.GET("/status", s.wrap(s.handleBotStatus))
	botID.GET("/details", s.wrap(s.handleBotDetails))
	botID.GET("/logs", s.wrap(s.handleBotLogsTail))
	botID.GET("/logs/stream", s.wrap(s.handleBotLogsStream))

	units := tenant.Group("/units")
	units.GET("", s.wrap(s.handleUnitsList))
	units.GET("/:kind/:unit", s.wrap(s.handleUnitGet))
	units.PUT("/:kind/:unit", s.wrap(s.handleUnitSave))
	units.DELETE("/:kind/:unit", s.wrap(s.handleUnitReset))

	credits := tenant.Group("/credits")
	credits.GET("", s.wrap(s.handleCredits))
	credits.POST("/grant", s.wrap(s.handleCreditsGrant))

	admin := api.Group("/admin", s.requireAdmin())
	admin.GET("/bots", s.wrap(s.handleAdminBots))
	admin.GET("/bots/:botID/config", s.wrap(s.handleAdminBotConfig))
	admin.GET("/usage", s.wrap(s.handleAdminUsage))
	admin.POST("/cleanup", s.wrap(s.handleAdminCleanup))
	admin.GET("/storage", s.wrap(s.handleAdminStorage))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "botfleet_path_params"

type tenantKeyType string

const tenantKey tenantKeyType = "botfleet_tenant"

// wrap adapts net/http handlers to gin, injecting path params and the tenant
// into the request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		if t, ok := c.Get(string(tenantKey)); ok {
			ctx = context.WithValue(ctx, tenantKey, t)
		}
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func urlParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func tenantOf(r *http.Request) string {
	t, _ := r.Context().Value(tenantKey).(string)
	return t
}

func (s *Server) requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := strings.TrimSpace(c.GetHeader(TenantHeader))
		if tenant == "" {
			writeError(c.Writer, http.StatusUnauthorized, "missing "+TenantHeader+" header")
			c.Abort()
			return
		}
		c.Set(string(tenantKey), tenant)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			writeError(c.Writer, http.StatusForbidden, "admin token required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		if !s.limiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "60")
			writeError(c.Writer, http.StatusTooManyRequests, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) String() string { return "http-server" }

// Serve 阻塞运行直到 ctx 结束，然后优雅关闭。
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Infof("control plane listening on %s", ln.Addr())

	if s.limiter != nil {
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					s.limiter.Sweep()
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
		return nil
	}
}
