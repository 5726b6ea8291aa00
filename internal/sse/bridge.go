// Package sse streams change events to HTTP clients over Server-Sent
// Events. Each connection is backed by its own subscription, so scope
// filtering (node, children, subtree, working copies) happens in the
// subscription manager, not here.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/subscribe"
	"github.com/starford/eihwaz/internal/treeservice"
)

// Bridge is the SSE endpoint handler (GET /api/events). Query parameters:
//
//	type    subscription type (default "subtree")
//	nodeId  scope node id
//	depth   subtree depth cap (0 = unlimited)
//	initial "true" to receive a synchronous snapshot as the first event
type Bridge struct {
	mgr *subscribe.Manager
	svc *treeservice.Service
	log *slog.Logger
}

func NewBridge(mgr *subscribe.Manager, svc *treeservice.Service) *Bridge {
	return &Bridge{
		mgr: mgr,
		svc: svc,
		log: slog.Default().With("component", "sse"),
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	subType := models.SubscriptionType(q.Get("type"))
	if subType == "" {
		subType = models.SubscribeSubtree
	}
	if !subType.Valid() {
		http.Error(w, fmt.Sprintf("unknown subscription type %q", subType), http.StatusBadRequest)
		return
	}
	nodeID := q.Get("nodeId")
	if nodeID == "" && subType != models.SubscribeWorkingCopies {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}
	depth, _ := strconv.Atoi(q.Get("depth"))
	withInitial, _ := strconv.ParseBool(q.Get("initial"))

	req := subscribe.SubscribeRequest{
		Type:     subType,
		NodeID:   nodeID,
		MaxDepth: depth,
	}
	if withInitial && nodeID != "" {
		snap, err := b.svc.Snapshot(r.Context(), nodeID)
		if err != nil {
			b.log.Error("snapshot failed", "node_id", nodeID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		req.Initial = snap
	}

	handle, err := b.mgr.Subscribe(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-handle.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
