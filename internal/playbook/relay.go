package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
	"github.com/helderperez-dev/navreach-desktop-sub003/internal/tools"
)

// StatusFunc receives each node status report, in call order.
type StatusFunc func(nodeID, status string)

// Recognized node statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Report is one relayed node status.
type Report struct {
	NodeID    string
	Status    string
	Timestamp time.Time
}

// Relay forwards node status reports from the model to the UI. It
// holds no execution state beyond the report log; graph topology is
// never enforced here.
type Relay struct {
	graph     *Graph
	onStatus  StatusFunc
	bus       *events.Bus
	requestID string
	logger    *slog.Logger
	reports   []Report
}

// NewRelay creates a relay for one playbook run.
func NewRelay(g *Graph, requestID string, onStatus StatusFunc, bus *events.Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		graph:     g,
		onStatus:  onStatus,
		bus:       bus,
		requestID: requestID,
		logger:    logger.With("component", "playbook"),
	}
}

// Reports returns the status reports relayed so far, in order.
func (r *Relay) Reports() []Report {
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

// Provider contributes the report_node_status control tool. Only
// registered when the session runs in playbook mode; outside playbook
// mode the tool must not exist at all.
func (r *Relay) Provider() tools.Provider {
	return func() []*tools.Descriptor {
		return []*tools.Descriptor{{
			Name:        "report_node_status",
			Description: "Report playbook progress. Call with status \"running\" immediately before starting a node, and \"success\" or \"error\" immediately after finishing it.",
			Category:    tools.CategoryInspection,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"nodeId": map[string]any{
						"type":        "string",
						"description": "Id of the playbook node",
					},
					"status": map[string]any{
						"type":        "string",
						"enum":        []string{StatusRunning, StatusSuccess, StatusError},
						"description": "Node execution status",
					},
				},
				"required": []string{"nodeId", "status"},
			},
			Invoke: r.report,
		}}
	}
}

func (r *Relay) report(ctx context.Context, args map[string]any) (*tools.Output, error) {
	nodeID, _ := args["nodeId"].(string)
	status, _ := args["status"].(string)

	if nodeID == "" {
		return nil, fmt.Errorf("nodeId is required")
	}
	switch status {
	case StatusRunning, StatusSuccess, StatusError:
	default:
		return nil, fmt.Errorf("invalid status %q, expected running, success, or error", status)
	}

	// An id outside the graph is relayed anyway: dropping the report
	// would break the never-skip contract, and topology is the model's
	// problem. Log it for diagnosis.
	if r.graph != nil && !r.graph.HasNode(nodeID) {
		r.logger.Warn("status report for node outside the graph", "node_id", nodeID)
	}

	rep := Report{NodeID: nodeID, Status: status, Timestamp: time.Now()}
	r.reports = append(r.reports, rep)

	if r.onStatus != nil {
		r.onStatus(nodeID, status)
	}
	r.bus.Publish(events.Event{
		Timestamp: rep.Timestamp,
		Source:    events.SourcePlaybook,
		Kind:      events.KindNodeStatus,
		Data: map[string]any{
			"request_id": r.requestID,
			"node_id":    nodeID,
			"status":     status,
		},
	})
	r.logger.Debug("node status relayed", "node_id", nodeID, "status", status)

	payload, _ := json.Marshal(map[string]any{
		"success": true,
		"message": fmt.Sprintf("status %s recorded for node %s", status, nodeID),
	})
	return &tools.Output{Content: string(payload)}, nil
}
