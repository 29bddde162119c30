package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/echotrace/pkg/network"
	"github.com/ZentaChain/echotrace/pkg/storage"
)

// maxJournalLimit caps ?limit= on /api/v1/journal
const maxJournalLimit = 1000

// StatusResponse is returned by GET /api/v1/status
type StatusResponse struct {
	Success bool                      `json:"success"`
	Server  network.ServerStats       `json:"server"`
	Journal map[storage.EntryKind]int `json:"journal,omitempty"`
}

// ConnectionInfo describes one open session
type ConnectionInfo struct {
	ID      string    `json:"id"`
	Side    string    `json:"side"`
	State   string    `json:"state"`
	Remote  string    `json:"remote"`
	Peer    string    `json:"peer"`
	Created time.Time `json:"created"`
}

// ConnectionsResponse is returned by GET /api/v1/connections
type ConnectionsResponse struct {
	Success     bool             `json:"success"`
	Count       int              `json:"count"`
	Connections []ConnectionInfo `json:"connections"`
}

// JournalResponse is returned by GET /api/v1/journal
type JournalResponse struct {
	Success bool             `json:"success"`
	Count   int              `json:"count"`
	Entries []*storage.Entry `json:"entries"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	state := s.node.State()
	if state != network.ServerRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "state": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": state.String()})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Success: true,
		Server:  s.node.Stats(),
	}

	if s.journal != nil {
		counts, err := s.journal.Counts()
		if err != nil {
			s.log.Errorf("Failed to count journal entries: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Failed to read journal",
				Message: err.Error(),
			})
			return
		}
		resp.Journal = counts
	}

	c.JSON(http.StatusOK, resp)
}

// handleConnections handles GET /api/v1/connections
func (s *Server) handleConnections(c *gin.Context) {
	conns := s.node.Connections()
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Created().Before(conns[j].Created())
	})

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		info := ConnectionInfo{
			ID:      conn.ID(),
			Side:    conn.Side().String(),
			State:   conn.State().String(),
			Peer:    conn.PeerFingerprint(),
			Created: conn.Created(),
		}
		if addr := conn.RemoteAddr(); addr != nil {
			info.Remote = addr.String()
		}
		infos = append(infos, info)
	}

	c.JSON(http.StatusOK, ConnectionsResponse{
		Success:     true,
		Count:       len(infos),
		Connections: infos,
	})
}

// handleJournal handles GET /api/v1/journal?limit=N and ?conn=<id>
func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Journal disabled",
			Message: "Enable the [Journal] section to record session events",
		})
		return
	}

	var (
		entries []*storage.Entry
		err     error
	)
	if connID := c.Query("conn"); connID != "" {
		entries, err = s.journal.ByConnection(connID)
	} else {
		limit := 0
		if v := c.Query("limit"); v != "" {
			limit, err = strconv.Atoi(v)
			if err != nil || limit <= 0 || limit > maxJournalLimit {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error:   "Invalid limit",
					Message: "limit must be a number between 1 and " + strconv.Itoa(maxJournalLimit),
				})
				return
			}
		}
		entries, err = s.journal.Recent(limit)
	}
	if err != nil {
		s.log.Errorf("Failed to query journal: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read journal",
			Message: err.Error(),
		})
		return
	}
	if entries == nil {
		entries = []*storage.Entry{}
	}

	c.JSON(http.StatusOK, JournalResponse{
		Success: true,
		Count:   len(entries),
		Entries: entries,
	})
}
