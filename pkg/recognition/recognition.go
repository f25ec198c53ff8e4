// Package recognition defines the boundary to the cloud recognition engine:
// the callbacks it delivers and the controls it accepts.
package recognition

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// SearchResult is a match reported by the engine.
type SearchResult struct {
	// Metadata is the target's metadata string, the asset identifier.
	Metadata string
	// Anchor references the tracked marker.
	Anchor     string
	DetectedAt time.Time
}

// Event is a recognition result accepted by the pipeline. Seq is assigned on
// receipt and is strictly increasing.
type Event struct {
	ID         assetid.ID
	Anchor     string
	Seq        uint64
	ReceivedAt time.Time
	DetectedAt time.Time
}

// Handler receives engine callbacks. It is registered once at startup and
// must tolerate any number of results afterwards.
type Handler interface {
	OnInitialized(ctx context.Context)
	OnInitError(ctx context.Context, err *InitializationError)
	OnUpdateError(ctx context.Context, err *UpdateError)
	OnScanStateChanged(ctx context.Context, scanning bool)
	OnNewSearchResult(ctx context.Context, result SearchResult)
}

// Engine is the control surface of the recognition engine.
type Engine interface {
	// ClearAllTrackedAnchors drops every tracked marker. With immediate set
	// the augmentations attached to them disappear at once.
	ClearAllTrackedAnchors(ctx context.Context, immediate bool) error
	// EnableResultDelivery turns search result delivery on or off.
	EnableResultDelivery(ctx context.Context, enabled bool) error
}

// Init error codes.
const (
	InitErrorNoNetworkConnection = -1
	InitErrorServiceNotAvailable = -2
)

// Update error codes.
const (
	UpdateErrorAuthorizationFailed = -1
	UpdateErrorProjectSuspended    = -2
	UpdateErrorNoNetworkConnection = -3
	UpdateErrorServiceNotAvailable = -4
	UpdateErrorBadFrameQuality     = -5
	UpdateErrorUpdateSDK           = -6
	UpdateErrorTimestampOutOfRange = -7
	UpdateErrorRequestTimeout      = -8
)

var initReasons = map[int]string{
	InitErrorNoNetworkConnection: "no network connection",
	InitErrorServiceNotAvailable: "service not available",
}

var updateReasons = map[int]string{
	UpdateErrorAuthorizationFailed: "authorization failed",
	UpdateErrorProjectSuspended:    "project suspended",
	UpdateErrorNoNetworkConnection: "no network connection",
	UpdateErrorServiceNotAvailable: "service not available",
	UpdateErrorBadFrameQuality:     "bad frame quality",
	UpdateErrorUpdateSDK:           "SDK update required",
	UpdateErrorTimestampOutOfRange: "timestamp out of range",
	UpdateErrorRequestTimeout:      "request timeout",
}

// InitializationError means the engine failed to start. It is fatal.
type InitializationError struct {
	Code int
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("recognition engine failed to initialize: %s (code %d)", reason(initReasons, e.Code), e.Code)
}

// UpdateError is a transient engine fault.
type UpdateError struct {
	Code int
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("recognition engine update failed: %s (code %d)", reason(updateReasons, e.Code), e.Code)
}

func reason(m map[int]string, code int) string {
	if r, ok := m[code]; ok {
		return r
	}
	return "unknown error"
}
