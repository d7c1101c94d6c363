// Package mesh defines the packet schema shared with the gateway's message
// router and the boundary the mapper uses to reach it.
package mesh

import (
	"context"
	"fmt"
)

// MessageType identifies the payload class of a mesh packet.
type MessageType string

const (
	MessageTypeText      MessageType = "TEXT"
	MessageTypeRouting   MessageType = "ROUTING"
	MessageTypePosition  MessageType = "POSITION"
	MessageTypeNodeInfo  MessageType = "NODEINFO"
	MessageTypeTelemetry MessageType = "TELEMETRY"
)

// Metadata keys used on traceroute probes and responses. The probe metadata
// layout is part of the wire contract with the router and must not change.
const (
	MetaWantResponse   = "want_response"
	MetaRouteDiscovery = "route_discovery"
	MetaTraceroute     = "traceroute"
	MetaRequestID      = "request_id"
	MetaRoute          = "route"
	MetaSNRValues      = "snr_values"
	MetaRSSIValues     = "rssi_values"
	MetaRole           = "role"
)

// Message is a single mesh packet, both as delivered by the router and as
// emitted back to it. Metadata is an open map; the constants above name the
// keys the mapper reads and writes.
type Message struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Type        MessageType    `json:"message_type"`
	Content     string         `json:"content"`
	HopLimit    int            `json:"hop_limit"`
	HopCount    int            `json:"hop_count"`
	SNR         *float64       `json:"snr,omitempty"`
	RSSI        *int           `json:"rssi,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RouteHop is one entry of a traceroute response's route payload.
type RouteHop struct {
	NodeID string   `json:"node_id"`
	SNR    *float64 `json:"snr,omitempty"`
	RSSI   *int     `json:"rssi,omitempty"`
}

// Router is the external message-router boundary. SendMessage attempts wire
// transmission and downstream fan-out; a nil error means the router accepted
// the frame.
type Router interface {
	SendMessage(ctx context.Context, msg *Message) error
}

// Handler receives every packet the router delivers to the mapper.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) error
}

// MetaBool reads a boolean metadata value, tolerating absence.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key].(bool)
	return ok && v
}

// MetaString reads a string metadata value, returning "" when absent.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// IsTracerouteResponse reports whether the packet is a traceroute response:
// routing type, traceroute flag set, and a route payload present.
func (m *Message) IsTracerouteResponse() bool {
	if m.Type != MessageTypeRouting || !m.MetaBool(MetaTraceroute) {
		return false
	}
	if m.Metadata == nil {
		return false
	}
	_, ok := m.Metadata[MetaRoute]
	return ok
}

// ResponseRoute extracts the hop list from a traceroute response. Route
// entries arrive either as plain node-id strings or as hop objects; both are
// accepted. JSON decoding yields map[string]any for objects and float64 for
// numbers, so the accessors normalize those shapes.
func (m *Message) ResponseRoute() []RouteHop {
	if m.Metadata == nil {
		return nil
	}
	raw, ok := m.Metadata[MetaRoute].([]any)
	if !ok {
		return nil
	}
	hops := make([]RouteHop, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case string:
			hops = append(hops, RouteHop{NodeID: v})
		case map[string]any:
			hop := RouteHop{}
			if id, ok := v["node_id"].(string); ok {
				hop.NodeID = id
			}
			if snr, ok := toFloat(v["snr"]); ok {
				hop.SNR = &snr
			}
			if rssi, ok := toFloat(v["rssi"]); ok {
				r := int(rssi)
				hop.RSSI = &r
			}
			hops = append(hops, hop)
		case RouteHop:
			hops = append(hops, v)
		}
	}
	return hops
}

// SignalValues extracts a numeric metadata array such as snr_values.
func (m *Message) SignalValues(key string) []float64 {
	if m.Metadata == nil {
		return nil
	}
	raw, ok := m.Metadata[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, e := range raw {
		if f, ok := toFloat(e); ok {
			out = append(out, f)
		}
	}
	return out
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{id: %s, type: %s, from: %s, to: %s, hops: %d}",
		m.ID, m.Type, m.SenderID, m.RecipientID, m.HopCount)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
