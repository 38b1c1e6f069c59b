// Package web serves the read-only status surface: a small JSON API
// over the persisted state, and a websocket stream of live status
// updates fed by the watcher.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arkops/arkmgr/internal/config"
	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/watcher"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The surface binds to loopback by default; origin checks add
	// nothing for a read-only stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the read-only status surface.
type Server struct {
	cfg *config.Config
	db  *database.DB // may be nil
	hub *Hub

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, db *database.DB, hub *Hub) *Server {
	s := &Server{cfg: cfg, db: db, hub: hub}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.health)
		api.GET("/profiles", s.listProfiles)
		api.GET("/profiles/:name/status", s.profileStatus)
		api.GET("/profiles/:name/backups", s.profileBackups)
	}
	router.GET("/ws", s.serveWS)
	router.GET("/ws/:name", s.serveWS)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Printf("[Web] Listening on %s", s.httpServer.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// StatusCallback adapts the watcher's callback to the websocket stream.
func (s *Server) StatusCallback(update watcher.Update) {
	s.hub.Broadcast(update.ProfileName, &Message{
		Type:      "status",
		Payload:   statusPayload(update),
		Timestamp: time.Now(),
	})
}

func statusPayload(update watcher.Update) gin.H {
	return gin.H{
		"profile":     update.ProfileName,
		"status":      update.Status.String(),
		"pid":         update.PID,
		"server_name": update.ServerName,
		"map":         update.Map,
		"players":     update.Players,
		"max_players": update.MaxPlayers,
		"observed_at": update.ObservedAt,
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listProfiles(c *gin.Context) {
	type entry struct {
		Name      string `json:"name"`
		MapName   string `json:"map_name"`
		Branch    string `json:"branch"`
		QueryPort int    `json:"query_port"`
	}
	out := make([]entry, 0, len(s.cfg.Profiles))
	for _, p := range s.cfg.Profiles {
		out = append(out, entry{Name: p.Name, MapName: p.MapName, Branch: p.Branch, QueryPort: p.QueryPort})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

func (s *Server) profileStatus(c *gin.Context) {
	name := c.Param("name")
	if s.cfg.FindProfile(name) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown profile"})
		return
	}
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status persistence disabled"})
		return
	}
	status, observedAt, err := s.db.LastServerStatus(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no status recorded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": name, "status": status, "observed_at": observedAt})
}

func (s *Server) profileBackups(c *gin.Context) {
	name := c.Param("name")
	if s.cfg.FindProfile(name) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown profile"})
		return
	}
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup persistence disabled"})
		return
	}
	records, err := s.db.ListBackups(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list backups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": records})
}

func (s *Server) serveWS(c *gin.Context) {
	room := c.Param("name")
	if room == "" {
		room = RoomAll
	} else if s.cfg.FindProfile(room) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown profile"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Web] Websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Room: room,
		Send: make(chan *Message, 32),
		Hub:  s.hub,
	}
	s.hub.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
