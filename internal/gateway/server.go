// Package gateway exposes the hub over HTTP and WebSocket: drone lifecycle,
// chats and prompts, repo pull, container filesystem access, terminal
// bridging, and settings.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/archive"
	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/common/httpmw"
	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/provision"
	"github.com/dronehub/dronehub/internal/reconcile"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/repopull"
	"github.com/dronehub/dronehub/internal/settings"
)

// DaemonFactory builds a daemon client for a drone.
type DaemonFactory func(hostPort int, token string) *droned.Client

// Server holds the gateway's dependencies.
type Server struct {
	store       *registry.Store
	locks       *oplock.Locker
	dvm         dvm.Client
	chats       *chats.Registry
	pipeline    *prompts.Pipeline
	pump        *prompts.Pump
	reconciler  *reconcile.Reconciler
	provisioner *provision.Provisioner
	pull        *repopull.Engine
	archive     *archive.Service
	settings    *settings.Service
	bus         bus.EventBus
	daemonFor   DaemonFactory
	cfg         *config.Config
	logger      *logger.Logger

	models *modelCache
}

// New creates the gateway server.
func New(
	store *registry.Store,
	locks *oplock.Locker,
	dvmClient dvm.Client,
	chatReg *chats.Registry,
	pipeline *prompts.Pipeline,
	pump *prompts.Pump,
	reconciler *reconcile.Reconciler,
	provisioner *provision.Provisioner,
	pullEngine *repopull.Engine,
	archiveSvc *archive.Service,
	settingsSvc *settings.Service,
	eventBus bus.EventBus,
	daemonFor DaemonFactory,
	cfg *config.Config,
	log *logger.Logger,
) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store:       store,
		locks:       locks,
		dvm:         dvmClient,
		chats:       chatReg,
		pipeline:    pipeline,
		pump:        pump,
		reconciler:  reconciler,
		provisioner: provisioner,
		pull:        pullEngine,
		archive:     archiveSvc,
		settings:    settingsSvc,
		bus:         eventBus,
		daemonFor:   daemonFor,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "gateway")),
		models:      newModelCache(),
	}
}

// Router builds the gin engine with middleware and all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.logger, "drone-hub"))
	router.Use(httpmw.CORS(s.cfg.Server.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": "healthy"})
	})

	api := router.Group("/api")
	api.Use(httpmw.BearerAuth(s.cfg.Auth.APIToken))

	s.registerDroneRoutes(api)
	s.registerArchiveRoutes(api)
	s.registerGroupRoutes(api)
	s.registerFSRoutes(api)
	s.registerRepoRoutes(api)
	s.registerChatRoutes(api)
	s.registerTerminalRoutes(api)
	s.registerSettingsRoutes(api)
	s.registerEventRoutes(api)

	return router
}
