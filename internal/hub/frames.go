package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/rigwatch/internal/alerts"
	"github.com/steveyegge/rigwatch/internal/history"
	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/world"
)

// Server -> client frame types. Incremental event frames reuse the event
// type itself (agent_status_change, hooks:updated, ...) so clients switch
// on one discriminator.
const (
	FrameInitial       = "initial"
	FrameTimelineBound = "timeline:bounds"
	FrameTimelineState = "timeline:state"
	FrameAlert         = "alert"
	FramePresence      = "presence"
	FrameResyncHint    = "resync_hint"
	FrameError         = "error"
)

// Client -> server frame types.
const (
	cmdPollNow          = "poll:now"
	cmdTimelineGetState = "timeline:getState"
	cmdSetUsername      = "presence:setUsername"
	cmdSetView          = "presence:setView"
	cmdSubscribe        = "subscribe"
)

// initialFrame is the full snapshot sent once per connection.
type initialFrame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      initialData `json:"data"`
}

type initialData struct {
	Rigs    []string             `json:"rigs"`
	Agents  []model.Agent        `json:"agents"`
	Beads   []model.Bead         `json:"beads"`
	Hooks   map[string]string    `json:"hooks"`
	Mail    []model.Mail         `json:"mail"`
	Metrics *model.MetricsSample `json:"metrics,omitempty"`
}

// eventFrame wraps one incremental event.
type eventFrame struct {
	Type  string      `json:"type"`
	Event model.Event `json:"event"`
}

type boundsFrame struct {
	Type    string           `json:"type"`
	Bounds  history.Bounds   `json:"bounds"`
	Markers []history.Marker `json:"markers"`
}

type timelineStateFrame struct {
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	State     world.FleetState `json:"state"`
}

type alertFrame struct {
	Type  string       `json:"type"`
	Alert alerts.Alert `json:"alert"`
}

// presenceUser is one connected operator as shown to the others.
type presenceUser struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	Color     string `json:"color"`
	ViewRig   string `json:"viewRig,omitempty"`
	ViewAgent string `json:"viewAgent,omitempty"`
}

type presenceFrame struct {
	Type  string         `json:"type"`
	Users []presenceUser `json:"users"`
	You   *presenceUser  `json:"you,omitempty"`
}

type resyncFrame struct {
	Type    string `json:"type"`
	Dropped int64  `json:"dropped"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// clientFrame is the decoded union of everything a client may send.
type clientFrame struct {
	Type      string    `json:"type"`
	Rig       string    `json:"rig,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func parseClientFrame(data []byte) (clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return clientFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case cmdPollNow, cmdTimelineGetState, cmdSetUsername, cmdSetView, cmdSubscribe:
		return f, nil
	case "":
		return clientFrame{}, fmt.Errorf("frame missing type")
	default:
		return clientFrame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Frames are built from our own types; failure here is a bug.
		panic(fmt.Sprintf("hub: encoding frame: %v", err))
	}
	return data
}
