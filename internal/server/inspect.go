package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ssd-technologies/confluence/internal/capability"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/syncer"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	peers := s.backend.Peers()
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":            string(s.backend.ID()),
		"endpoint":            s.backend.Endpoint(),
		"peers":               len(peers),
		"consensus_timestamp": s.backend.ConsensusTimestamp(),
		"uptime_seconds":      int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Peers())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}
	decisions, err := s.backend.Decisions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if decisions == nil {
		decisions = []capability.ResolutionDecision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50)
	if !ok {
		return
	}
	reviews, err := s.backend.Reviews(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reviews == nil {
		reviews = []record.Review{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ResolveReview(r.Context(), r.PathValue("id")); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "review not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleLumped(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.RunLumped(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch":  res.Batch,
		"pulled": res.Pulled,
		"peers":  peerViews(res.Peers),
	})
}

// handleCheckIn answers 503 when the round did not reach quorum.
func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.CheckIn(r.Context())
	body := map[string]any{
		"acks":                res.Acks,
		"consensus_timestamp": res.ConsensusTimestamp,
		"outcomes":            res.Outcomes,
		"robust":              res.Robust,
		"peers":               peerViews(res.Peers),
	}
	switch {
	case errors.Is(err, syncer.ErrQuorumNotReached):
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, body)
	}
}
