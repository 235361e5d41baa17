package ari

import (
	"encoding/json"
	"io"
)

// Event type names as carried in the wire "type" field.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventDial                 = "Dial"
	EventChannelStateChange   = "ChannelStateChange"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventChannelHangupRequest = "ChannelHangupRequest"
	EventBridgeCreated        = "BridgeCreated"
	EventBridgeDestroyed      = "BridgeDestroyed"
)

// CallerID identifies the calling party.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Dialplan is the channel's current dialplan location. Exten is the dialed
// destination the recorder filters on.
type Dialplan struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
	AppName  string `json:"app_name"`
	AppData  string `json:"app_data"`
}

// Channel is a signaling leg: either a real call leg or the synthetic
// external-media leg.
type Channel struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	State    string   `json:"state"`
	Caller   CallerID `json:"caller"`
	Dialplan Dialplan `json:"dialplan"`
}

// Bridge is a mixing context with its current member channels.
type Bridge struct {
	ID         string   `json:"id"`
	Technology string   `json:"technology"`
	Type       string   `json:"bridge_type"`
	Name       string   `json:"name"`
	Channels   []string `json:"channels"`
}

// Has reports whether channelID is currently a member of the bridge.
func (b *Bridge) Has(channelID string) bool {
	for _, ch := range b.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

// Event is one decoded control-plane event. Which optional fields are set
// depends on Type: channel events carry Channel, bridge events carry
// Bridge, Dial carries Peer.
type Event struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	Args        []string `json:"args,omitempty"`
	Channel     *Channel `json:"channel,omitempty"`
	Bridge      *Bridge  `json:"bridge,omitempty"`
	Peer        *Channel `json:"peer,omitempty"`
	Cause       int      `json:"cause,omitempty"`
	DialStatus  string   `json:"dialstatus,omitempty"`
}

// ParseEvent decodes one wire event.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
