package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/adnl/pkg/network"
)

// HealthResponse contains process health information
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Checks  struct {
		UDPServing bool `json:"udpServing"`
		TCPServing bool `json:"tcpServing"`
		HasPeers   bool `json:"hasPeers"`
	} `json:"checks"`
}

// NodeInfoResponse contains information about this node
type NodeInfoResponse struct {
	Success    bool                    `json:"success"`
	UDP        *network.TransportStats `json:"udp,omitempty"`
	TCP        *network.ServerStats    `json:"tcp,omitempty"`
	StartedAt  time.Time               `json:"startedAt"`
	Goroutines int                     `json:"goroutines"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Success: true,
		Status:  "healthy",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.udp != nil {
		stats := s.udp.Stats()
		resp.Checks.UDPServing = stats.LocalAddr != ""
		resp.Checks.HasPeers = stats.Peers > 0
	}
	if s.tcp != nil {
		resp.Checks.TCPServing = s.tcp.Stats().Addr != ""
	}
	if !resp.Checks.UDPServing && !resp.Checks.TCPServing {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	resp := NodeInfoResponse{
		Success:    true,
		StartedAt:  s.startedAt,
		Goroutines: runtime.NumGoroutine(),
	}
	if s.udp != nil {
		stats := s.udp.Stats()
		resp.UDP = &stats
	}
	if s.tcp != nil {
		stats := s.tcp.Stats()
		resp.TCP = &stats
	}
	c.JSON(http.StatusOK, resp)
}
