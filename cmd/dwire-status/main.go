// Command dwire-status exposes a read-only JSON snapshot of a
// debugWIRE session's state over HTTP, for external tooling that wants
// to poll connection health without speaking the session API directly.
package main

import (
	"flag"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dwire/internal/session"
	"dwire/internal/transport"
)

var log = logrus.New()

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	flag.Parse()

	usb, err := transport.OpenUSB()
	if err != nil {
		log.WithError(err).Fatal("failed to open USB adapter")
	}
	adapter := transport.New(usb, logrus.NewEntry(log))
	s := session.New(adapter, logrus.NewEntry(log))
	if err := s.Connect(); err != nil {
		log.WithError(err).Fatal("failed to connect session")
	}

	srv := &server{session: s}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/status", srv.handleStatus)
	router.GET("/healthz", srv.handleHealth)

	log.WithField("addr", *addr).Info("serving debugWIRE status")
	if err := router.Run(*addr); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

// server guards the session with a mutex for the HTTP handlers'
// benefit; the session itself is single-threaded cooperative and every
// call into it must be serialized.
type server struct {
	mu      sync.Mutex
	session *session.Session
}

func (s *server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.session.Stats()
	c.JSON(http.StatusOK, gin.H{
		"session_id":     s.session.SessionID(),
		"signature":      s.session.Signature,
		"device_type":    s.session.DeviceType,
		"pc":             s.session.PC,
		"breakpoint":     s.session.BP,
		"timer_enable":   s.session.TimerEnable,
		"last_baud":      stats.LastBaud,
		"connect_count":  stats.ConnectCount,
		"break_syncs":    stats.BreakAndSyncs,
		"bytes_received": stats.BytesReceived,
	})
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
