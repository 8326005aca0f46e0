package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/syncer"
)

// publishRequest is the body of POST /api/records. Source, time and
// signature are assigned by the instance.
type publishRequest struct {
	ID         string           `json:"id,omitempty"`
	Kind       record.Kind      `json:"kind"`
	Content    string           `json:"content"`
	Tier       record.Tier      `json:"tier"`
	Partition  record.Partition `json:"partition"`
	Confidence float64          `json:"confidence"`
	Importance float64          `json:"importance"`
}

type peerView struct {
	Peer       string `json:"peer"`
	Pushed     int    `json:"pushed,omitempty"`
	Pulled     int    `json:"pulled,omitempty"`
	Duplicates int    `json:"duplicates,omitempty"`
	Rejected   int    `json:"rejected,omitempty"`
	Error      string `json:"error,omitempty"`
}

func peerViews(results []syncer.PeerResult) []peerView {
	out := make([]peerView, 0, len(results))
	for _, r := range results {
		v := peerView{
			Peer:       string(r.Peer),
			Pushed:     r.Pushed,
			Pulled:     r.Pulled,
			Duplicates: r.Duplicates,
			Rejected:   r.Rejected,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// handlePublish creates a local record. A record the merger rejects is
// answered with 422 and the rejection reason.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Partition == "" {
		req.Partition = record.PartitionShared
	}
	if req.Tier == "" {
		req.Tier = record.TierAuto
	}

	res, err := s.backend.Publish(r.Context(), record.Record{
		ID:         req.ID,
		Kind:       req.Kind,
		Content:    req.Content,
		Tier:       req.Tier,
		Partition:  req.Partition,
		Confidence: req.Confidence,
		Importance: req.Importance,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusCreated
	if res.Outcome.Action == merge.ActionRejected {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"record_id":    res.Record.ID,
		"content_hash": res.Record.ContentHash,
		"outcome":      res.Outcome,
		"peers":        peerViews(res.Peers),
	})
}

// handleListEntities supports kind, partition, min_confidence and limit
// query parameters.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := merge.EntityQuery{
		Kind:      record.Kind(r.URL.Query().Get("kind")),
		Partition: record.Partition(r.URL.Query().Get("partition")),
		Limit:     100,
	}
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !record.InUnitRange(f) {
			writeError(w, http.StatusBadRequest, "min_confidence must be a number in [0,1]")
			return
		}
		q.MinConfidence = f
	}
	limit, ok := parseLimit(w, r, q.Limit)
	if !ok {
		return
	}
	q.Limit = limit

	entities, err := s.backend.Entities(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entities == nil {
		entities = []*record.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := s.backend.Entity(r.Context(), r.PathValue("id"))
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// parseLimit reads the limit query parameter, writing a 400 when it is
// malformed.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 10000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
		return 0, false
	}
	return n, true
}

func isNotFound(err error) bool {
	return errors.Is(err, merge.ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
