package api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/network"
	"github.com/ZentaChain/adnl/pkg/storage"
)

// PeersResponse lists the peers of the UDP transport
type PeersResponse struct {
	Success bool                `json:"success"`
	Count   int                 `json:"count"`
	Peers   []network.PeerStats `json:"peers"`
}

// PeerResponse describes one peer
type PeerResponse struct {
	Success   bool              `json:"success"`
	PublicKey string            `json:"publicKey"`
	Peer      network.PeerStats `json:"peer"`
}

// AddPeerRequest registers a peer by address and base64 public key
type AddPeerRequest struct {
	Address   string `json:"address" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"`
}

// KnownPeer is a peer book entry
type KnownPeer struct {
	KeyID     string    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Address   string    `json:"address"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// KnownPeersResponse lists the peer book
type KnownPeersResponse struct {
	Success bool        `json:"success"`
	Count   int         `json:"count"`
	Peers   []KnownPeer `json:"peers"`
}

// PingResponse reports a round trip
type PingResponse struct {
	Success bool    `json:"success"`
	PeerID  string  `json:"peerId"`
	RTTMs   float64 `json:"rttMs"`
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	if !s.requireUDP(c) {
		return
	}
	peers := s.udp.Peers()
	stats := make([]network.PeerStats, 0, len(peers))
	for _, p := range peers {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })

	c.JSON(http.StatusOK, PeersResponse{Success: true, Count: len(stats), Peers: stats})
}

// handlePeer handles GET /api/v1/peers/:id
func (s *Server) handlePeer(c *gin.Context) {
	peer, ok := s.lookupPeer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PeerResponse{
		Success:   true,
		PublicKey: base64.StdEncoding.EncodeToString(peer.PublicKey()),
		Peer:      peer.Stats(),
	})
}

// handleAddPeer handles POST /api/v1/peers
func (s *Server) handleAddPeer(c *gin.Context) {
	if !s.requireUDP(c) {
		return
	}
	var req AddPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	key, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid public key", Message: err.Error()})
		return
	}
	ma, err := storage.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid address", Message: err.Error()})
		return
	}
	proto, hostport, err := storage.DialArgs(ma)
	if err != nil || proto != "udp" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid address", Message: "a UDP address is required"})
		return
	}

	peer, err := s.udp.AddPeer(hostport, key)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to add peer", Message: err.Error()})
		return
	}
	if s.book != nil {
		if err := s.book.Save(storage.NewPeerRecord(key, ma)); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store peer", Message: err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, PeerResponse{
		Success:   true,
		PublicKey: req.PublicKey,
		Peer:      peer.Stats(),
	})
}

// handleKnownPeers handles GET /api/v1/peers/known
func (s *Server) handleKnownPeers(c *gin.Context) {
	if s.book == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Peer book disabled"})
		return
	}
	records, err := s.book.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list peers", Message: err.Error()})
		return
	}

	peers := make([]KnownPeer, 0, len(records))
	for _, r := range records {
		kp := KnownPeer{
			KeyID:     r.KeyID,
			PublicKey: base64.StdEncoding.EncodeToString(r.PublicKey),
			Address:   r.Address.String(),
		}
		if r.LastSeen > 0 {
			kp.LastSeen = time.Unix(r.LastSeen, 0).UTC()
		}
		peers = append(peers, kp)
	}
	c.JSON(http.StatusOK, KnownPeersResponse{Success: true, Count: len(peers), Peers: peers})
}

// handlePing handles POST /api/v1/peers/:id/ping
func (s *Server) handlePing(c *gin.Context) {
	peer, ok := s.lookupPeer(c)
	if !ok {
		return
	}

	rtt, err := s.udp.Ping(c.Request.Context(), peer)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, network.ErrTimeout) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, ErrorResponse{Error: "Ping failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, PingResponse{
		Success: true,
		PeerID:  peer.ID().String(),
		RTTMs:   float64(rtt) / float64(time.Millisecond),
	})
}

func (s *Server) requireUDP(c *gin.Context) bool {
	if s.udp == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "UDP transport disabled"})
		return false
	}
	return true
}

func (s *Server) lookupPeer(c *gin.Context) (*network.Peer, bool) {
	if !s.requireUDP(c) {
		return nil, false
	}
	id, err := parseKeyID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid peer id", Message: err.Error()})
		return nil, false
	}
	peer, ok := s.udp.Peer(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown peer"})
		return nil, false
	}
	return peer, true
}

// parseKeyID decodes the hex form of a key-id
func parseKeyID(s string) (crypto.KeyID, error) {
	var id crypto.KeyID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != crypto.KeyIDSize {
		return id, errors.New("key-id must be 32 bytes")
	}
	copy(id[:], raw)
	return id, nil
}
