package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loumass/engine"
	"loumass/models"
	"loumass/utils"
)

// Node types understood by the engine
const (
	NodeEmail     = "email"
	NodeWait      = "wait"
	NodeCondition = "condition"
	NodeWebhook   = "webhook"
	NodeSMS       = "sms"
	NodeUntil     = "until"
	NodeWhen      = "when"
	NodeMoveTo    = "moveTo"
)

// Edge tags used by condition nodes
const (
	EdgeYes = "yes"
	EdgeNo  = "no"
)

type EmailNodeData struct {
	Subject         string `json:"subject"`
	Body            string `json:"body" validate:"required"`
	ReplyToThread   bool   `json:"replyToThread"`
	TrackingEnabled *bool  `json:"trackingEnabled,omitempty"`
}

type WaitNodeData struct {
	Amount int    `json:"amount" validate:"gte=0"`
	Unit   string `json:"unit" validate:"required,oneof=minutes hours days"`
}

type ConditionNodeData struct {
	Predicate string `json:"predicate" validate:"required,oneof=opened clicked replied not_opened not_clicked"`
}

type WebhookNodeData struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	Headers map[string]string `json:"headers"`
}

type SMSNodeData struct {
	To      string `json:"to"`
	Message string `json:"message" validate:"required"`
}

type UntilNodeData struct {
	Until string `json:"until" validate:"required"`
}

type WhenNodeData struct {
	Time     string   `json:"time" validate:"required"`
	Days     []string `json:"days" validate:"dive,oneof=mon tue wed thu fri sat sun"`
	Timezone string   `json:"timezone"`
}

type MoveToNodeData struct {
	NodeID       string `json:"nodeId" validate:"required_without=AutomationID"`
	AutomationID uint   `json:"automationId"`
}

// decodeNodeData unmarshals and validates the Data of node into the struct
// matching its type. Decoding failures are configuration errors.
func decodeNodeData(node models.AutomationNode) (interface{}, error) {
	var data interface{}
	switch node.Type {
	case NodeEmail:
		data = &EmailNodeData{}
	case NodeWait:
		data = &WaitNodeData{}
	case NodeCondition:
		data = &ConditionNodeData{}
	case NodeWebhook:
		data = &WebhookNodeData{}
	case NodeSMS:
		data = &SMSNodeData{}
	case NodeUntil:
		data = &UntilNodeData{}
	case NodeWhen:
		data = &WhenNodeData{}
	case NodeMoveTo:
		data = &MoveToNodeData{}
	default:
		return nil, &engine.ConfigurationError{Where: "node " + node.ID, Reason: fmt.Sprintf("unknown node type %q", node.Type)}
	}

	if len(node.Data) > 0 {
		if err := json.Unmarshal(node.Data, data); err != nil {
			return nil, &engine.ConfigurationError{Where: "node " + node.ID, Reason: err.Error()}
		}
	}
	if err := utils.ValidateStruct(data); err != nil {
		return nil, &engine.ConfigurationError{Where: "node " + node.ID, Reason: err.Error()}
	}
	return data, nil
}

// Graph indexes an automation's nodes and edges.
type Graph struct {
	nodes    map[string]models.AutomationNode
	outgoing map[string][]models.AutomationEdge
	order    []string
}

func NewGraph(a *models.Automation) *Graph {
	g := &Graph{
		nodes:    make(map[string]models.AutomationNode, len(a.Nodes)),
		outgoing: make(map[string][]models.AutomationEdge),
	}
	for _, n := range a.Nodes {
		if _, dup := g.nodes[n.ID]; dup {
			continue
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, e := range a.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	return g
}

// Len is the number of distinct nodes.
func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) Node(id string) (models.AutomationNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Next returns the target of the edge leaving from tagged tag, falling back
// to an untagged edge. ok is false when the node has no matching edge.
func (g *Graph) Next(from, tag string) (string, bool) {
	var untagged string
	for _, e := range g.outgoing[from] {
		cond := edgeTag(e)
		if tag != "" && cond == tag {
			return e.Target, true
		}
		if cond == "" && untagged == "" {
			untagged = e.Target
		}
	}
	return untagged, untagged != ""
}

func edgeTag(e models.AutomationEdge) string {
	if e.Condition != "" {
		return strings.ToLower(e.Condition)
	}
	switch strings.ToLower(e.SourceHandle) {
	case EdgeYes, "true":
		return EdgeYes
	case EdgeNo, "false":
		return EdgeNo
	}
	return ""
}

// EntryNode resolves where new executions start: the explicit entry node, or
// the only node nothing points at.
func (g *Graph) EntryNode(explicit string) (string, error) {
	if explicit != "" {
		if _, ok := g.nodes[explicit]; !ok {
			return "", &engine.ConfigurationError{Where: "automation", Reason: fmt.Sprintf("entry node %q does not exist", explicit)}
		}
		return explicit, nil
	}

	incoming := make(map[string]bool, len(g.nodes))
	for _, edges := range g.outgoing {
		for _, e := range edges {
			incoming[e.Target] = true
		}
	}
	var roots []string
	for _, id := range g.order {
		if !incoming[id] {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		return "", &engine.ConfigurationError{Where: "automation", Reason: fmt.Sprintf("expected one entry node, found %d", len(roots))}
	}
	return roots[0], nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// NextWhen returns the first instant at or after now that falls on one of
// the allowed days at the given local time. No days means every day.
func NextWhen(now time.Time, data WhenNodeData) (time.Time, error) {
	clock, err := time.Parse("15:04", data.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", data.Time, err)
	}
	loc := time.UTC
	if data.Timezone != "" {
		if loc, err = time.LoadLocation(data.Timezone); err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", data.Timezone, err)
		}
	}
	allowed := make(map[time.Weekday]bool, len(data.Days))
	for _, d := range data.Days {
		wd, ok := weekdays[strings.ToLower(d)]
		if !ok {
			return time.Time{}, fmt.Errorf("invalid day %q", d)
		}
		allowed[wd] = true
	}

	local := now.In(loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
		if candidate.Before(local) {
			continue
		}
		if len(allowed) > 0 && !allowed[candidate.Weekday()] {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, fmt.Errorf("no matching day for %v", data.Days)
}
