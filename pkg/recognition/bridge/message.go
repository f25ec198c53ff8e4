package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/araddon/dateparse"

	"github.com/hashicorp-forge/augment/pkg/recognition"
)

// Event message types published by the recognition engine.
const (
	TypeSearchResult = "search_result"
	TypeInitialized  = "initialized"
	TypeInitError    = "init_error"
	TypeUpdateError  = "update_error"
	TypeScanState    = "scan_state"
)

// Control command types produced to the engine.
const (
	CommandClearAllTrackedAnchors = "clear_all_tracked_anchors"
	CommandEnableResultDelivery   = "enable_result_delivery"
)

// Message is an engine event as published on the events topic.
type Message struct {
	Type string `json:"type"`

	// search_result
	Metadata   string `json:"metadata,omitempty"`
	Anchor     string `json:"anchor,omitempty"`
	DetectedAt string `json:"detected_at,omitempty"`

	// init_error, update_error
	Code int `json:"code,omitempty"`

	// scan_state
	Scanning *bool `json:"scanning,omitempty"`
}

// Command is a control request for the engine.
type Command struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Immediate *bool     `json:"immediate,omitempty"`
	Enabled   *bool     `json:"enabled,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// DecodeMessage parses an events topic record value.
func DecodeMessage(value []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal engine event: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("engine event has no type")
	}
	return msg, nil
}

// DecodeCommand parses a control topic record value.
func DecodeCommand(value []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to unmarshal engine command: %w", err)
	}
	return cmd, nil
}

// Dispatch delivers msg to h. received is used as the detection time of a
// search result that carries none or an unparseable one.
func Dispatch(ctx context.Context, h recognition.Handler, msg Message, received time.Time) error {
	switch msg.Type {
	case TypeSearchResult:
		h.OnNewSearchResult(ctx, recognition.SearchResult{
			Metadata:   msg.Metadata,
			Anchor:     msg.Anchor,
			DetectedAt: detectedAt(msg.DetectedAt, received),
		})
	case TypeInitialized:
		h.OnInitialized(ctx)
	case TypeInitError:
		h.OnInitError(ctx, &recognition.InitializationError{Code: msg.Code})
	case TypeUpdateError:
		h.OnUpdateError(ctx, &recognition.UpdateError{Code: msg.Code})
	case TypeScanState:
		if msg.Scanning == nil {
			return fmt.Errorf("scan_state event without scanning flag")
		}
		h.OnScanStateChanged(ctx, *msg.Scanning)
	default:
		return fmt.Errorf("unknown engine event type: %q", msg.Type)
	}
	return nil
}

// detectedAt accepts whatever timestamp format the engine emits.
func detectedAt(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return fallback
	}
	return t
}
