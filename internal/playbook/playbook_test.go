package playbook

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleGraph = `{
	"id": "pb_1",
	"name": "Lead outreach",
	"nodes": [
		{"id": "n1", "type": "navigate", "label": "Open search results", "config": {"url": "https://example.com/search"}},
		{"id": "n2", "type": "loop", "label": "For each result"},
		{"id": "n3", "type": "click", "label": "Open profile"}
	],
	"edges": [
		{"from": "n1", "to": "n2"},
		{"from": "n2", "to": "n3"}
	]
}`

func TestParseValidGraph(t *testing.T) {
	g, err := Parse([]byte(sampleGraph))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(g.Nodes) != 3 || len(g.Edges) != 2 {
		t.Errorf("nodes=%d edges=%d", len(g.Nodes), len(g.Edges))
	}
	if !g.HasNode("n2") || g.HasNode("n9") {
		t.Error("HasNode misreports membership")
	}
}

func TestParseRejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{{`},
		{"no nodes", `{"nodes": [], "edges": []}`},
		{"missing node id", `{"nodes": [{"type": "click"}]}`},
		{"duplicate id", `{"nodes": [{"id":"a"},{"id":"a"}]}`},
		{"dangling edge from", `{"nodes": [{"id":"a"}], "edges": [{"from":"x","to":"a"}]}`},
		{"dangling edge to", `{"nodes": [{"id":"a"}], "edges": [{"from":"a","to":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.json)); err == nil {
				t.Error("Parse succeeded, want error")
			}
		})
	}
}

func TestInstructionsMentionEveryNodeAndEdge(t *testing.T) {
	g, err := Parse([]byte(sampleGraph))
	if err != nil {
		t.Fatal(err)
	}
	text := g.Instructions()

	for _, want := range []string{"n1", "n2", "n3", "Open search results", "n1 -> n2", "report_node_status", "running", "success"} {
		if !strings.Contains(text, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}

func TestRelayForwardsReportsInOrder(t *testing.T) {
	g, _ := Parse([]byte(sampleGraph))
	var got []string
	relay := NewRelay(g, "r_1", func(nodeID, status string) {
		got = append(got, nodeID+":"+status)
	}, nil, testLogger())

	descs := relay.Provider()()
	if len(descs) != 1 || descs[0].Name != "report_node_status" {
		t.Fatalf("descriptors = %+v", descs)
	}
	invoke := descs[0].Invoke

	ctx := context.Background()
	steps := []map[string]any{
		{"nodeId": "n1", "status": "running"},
		{"nodeId": "n1", "status": "success"},
		{"nodeId": "n2", "status": "running"},
		{"nodeId": "n2", "status": "error"},
	}
	for _, args := range steps {
		if _, err := invoke(ctx, args); err != nil {
			t.Fatalf("report(%v): %v", args, err)
		}
	}

	want := []string{"n1:running", "n1:success", "n2:running", "n2:error"}
	if len(got) != len(want) {
		t.Fatalf("relayed %d reports, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("report[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if reps := relay.Reports(); len(reps) != 4 || reps[3].Status != StatusError {
		t.Errorf("Reports() = %+v", reps)
	}
}

func TestRelayRejectsMalformedReports(t *testing.T) {
	relay := NewRelay(nil, "r_1", nil, nil, testLogger())
	invoke := relay.Provider()()[0].Invoke
	ctx := context.Background()

	if _, err := invoke(ctx, map[string]any{"status": "running"}); err == nil {
		t.Error("missing nodeId accepted")
	}
	if _, err := invoke(ctx, map[string]any{"nodeId": "n1", "status": "paused"}); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestRelayStillForwardsUnknownNode(t *testing.T) {
	g, _ := Parse([]byte(sampleGraph))
	var got []string
	relay := NewRelay(g, "r_1", func(nodeID, status string) {
		got = append(got, nodeID)
	}, nil, testLogger())
	invoke := relay.Provider()()[0].Invoke

	if _, err := invoke(context.Background(), map[string]any{"nodeId": "ghost", "status": "running"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(got) != 1 || got[0] != "ghost" {
		t.Errorf("relayed = %v, want [ghost]", got)
	}
}

func TestRelayPublishesBusEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	relay := NewRelay(nil, "r_1", nil, bus, testLogger())
	invoke := relay.Provider()()[0].Invoke
	if _, err := invoke(context.Background(), map[string]any{"nodeId": "n1", "status": "running"}); err != nil {
		t.Fatal(err)
	}

	ev := <-ch
	if ev.Source != events.SourcePlaybook || ev.Kind != events.KindNodeStatus {
		t.Errorf("event = %+v", ev)
	}
	if ev.Data["node_id"] != "n1" || ev.Data["status"] != "running" {
		t.Errorf("event data = %v", ev.Data)
	}
}
