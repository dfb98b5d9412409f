package custody

import (
	"context"
	"sort"
	"time"
)

// GraphNode is one custody event rendered for provenance display.
type GraphNode struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action,omitempty"`
	EventHash string    `json:"eventHash"`
	Timestamp time.Time `json:"timestamp"`
}

// GraphEdge links an event to its successor.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// GraphMetrics aggregates chain shape for dashboards.
type GraphMetrics struct {
	EventCount  int           `json:"eventCount"`
	StageCounts map[Stage]int `json:"stageCounts"`
	Actors      []string      `json:"actors"`
	FirstEvent  time.Time     `json:"firstEvent"`
	LastEvent   time.Time     `json:"lastEvent"`
	Span        time.Duration `json:"span"`
	ChainStatus ChainStatus   `json:"chainStatus"`
}

// Graph is the provenance view of a custody chain.
type Graph struct {
	MediaID string       `json:"mediaId"`
	Nodes   []GraphNode  `json:"nodes"`
	Edges   []GraphEdge  `json:"edges"`
	Metrics GraphMetrics `json:"metrics"`
}

// ProvenanceGraph renders the media item's chain as nodes, forward edges and
// summary metrics, including the current verification status.
func (r *Recorder) ProvenanceGraph(ctx context.Context, mediaID string) (Graph, error) {
	graph := Graph{MediaID: mediaID}

	events, err := r.Chain(ctx, mediaID)
	if err != nil {
		return graph, err
	}

	verification, err := r.VerifyChain(ctx, mediaID)
	if err != nil {
		return graph, err
	}

	graph.Nodes = make([]GraphNode, 0, len(events))
	graph.Edges = make([]GraphEdge, 0, max(0, len(events)-1))
	metrics := GraphMetrics{
		EventCount:  len(events),
		StageCounts: make(map[Stage]int),
		ChainStatus: verification.Status,
	}

	actors := make(map[string]bool)
	for i, evt := range events {
		graph.Nodes = append(graph.Nodes, GraphNode{
			ID:        evt.EventID,
			Stage:     evt.Stage,
			Actor:     evt.Actor,
			Action:    evt.Action,
			EventHash: evt.EventHash,
			Timestamp: evt.Timestamp,
		})
		metrics.StageCounts[evt.Stage]++
		actors[evt.Actor] = true

		if i > 0 {
			graph.Edges = append(graph.Edges, GraphEdge{
				From:     events[i-1].EventID,
				To:       evt.EventID,
				Relation: "precedes",
			})
		}
	}

	if len(events) > 0 {
		metrics.FirstEvent = events[0].Timestamp
		metrics.LastEvent = events[len(events)-1].Timestamp
		metrics.Span = metrics.LastEvent.Sub(metrics.FirstEvent)
	}
	metrics.Actors = make([]string, 0, len(actors))
	for a := range actors {
		metrics.Actors = append(metrics.Actors, a)
	}
	sort.Strings(metrics.Actors)

	graph.Metrics = metrics
	return graph, nil
}
