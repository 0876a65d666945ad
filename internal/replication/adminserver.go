package replication

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminServer is the HTTP surface that runs alongside the controller
// (SPEC_FULL.md DOMAIN STACK): read-only introspection routes plus the one
// inbound route peers actually call, heartbeat. Grounded on the teacher's
// pkg/server/coordinator.go: a gin.Engine with a handful of status routes
// plus one mutating route, generalized from node/file status to
// destination/replication status.
type AdminServer struct {
	router     *gin.Engine
	ledger     *FailureLedger
	resolver   *DestinationResolver
	controller *ReplicationController
	heartbeats *HeartbeatTable
}

// NewAdminServer builds the gin router exposing /health,
// /replication/destinations, /replication/stats, and the inbound
// POST /replication/heartbeat route peers call to clear this node's
// failure accounting against them.
func NewAdminServer(ledger *FailureLedger, resolver *DestinationResolver, controller *ReplicationController, heartbeats *HeartbeatTable) *AdminServer {
	s := &AdminServer{
		router:     gin.Default(),
		ledger:     ledger,
		resolver:   resolver,
		controller: controller,
		heartbeats: heartbeats,
	}
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/replication/destinations", s.handleDestinations)
	s.router.GET("/replication/stats", s.handleStats)
	s.router.POST("/replication/heartbeat", s.handleHeartbeat)
	return s
}

// Run starts the admin HTTP server on addr; it blocks like gin's Run.
func (s *AdminServer) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *AdminServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"attempt_count": s.controller.attemptCountString(),
	})
}

func (s *AdminServer) handleDestinations(c *gin.Context) {
	destinations := s.resolver.Resolve()
	urls := make([]string, 0, len(destinations))
	for _, d := range destinations {
		urls = append(urls, d.ID())
	}
	c.JSON(http.StatusOK, gin.H{"destinations": urls})
}

// handleHeartbeat records an inbound heartbeat from the "from" query
// parameter, the same way PeerClient.SendHeartbeat sends it, clearing the
// sender's failure accounting and waking the controller's work loop.
func (s *AdminServer) handleHeartbeat(c *gin.Context) {
	from := c.Query("from")
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter: from"})
		return
	}
	s.heartbeats.HandleHeartbeat(from)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *AdminServer) handleStats(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter: url"})
		return
	}
	stats := s.ledger.Stats(url)
	c.JSON(http.StatusOK, gin.H{
		"destination_url":    url,
		"failure_count":      stats.FailureCount,
		"last_error":         stats.LastError,
		"last_replicated_etag": stats.LastReplicatedEtag.String(),
		"last_replicated_attachment_etag": stats.LastReplicatedAttachmentEtag.String(),
		"last_success_ts":    stats.LastSuccessTS,
		"last_failure_ts":    stats.LastFailureTS,
		"last_stats":         stats.LastStats,
	})
}
