package bridge

import (
	"encoding/json"

	"unlockbot/internal/transport"
)

// Frame types.
const (
	frameHello    = "hello"
	frameEvent    = "event"
	frameCall     = "call"
	frameResult   = "result"
	frameLookup   = "lookup"
	frameLookedUp = "lookup-result"
)

// Event names carried by event frames.
const (
	eventConnection  = "connection"
	eventChannels    = "channels"
	eventMembership  = "membership"
	eventCredentials = "credentials"
)

// Call methods.
const (
	methodFetchMetadata = "fetchMetadata"
	methodSend          = "send"
	methodPairingCode   = "pairingCode"
	methodGroups        = "groups"
	methodLogout        = "logout"
)

// frame is the single envelope used in both directions.
type frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Event       string          `json:"event,omitempty"`
	Method      string          `json:"method,omitempty"`
	Account     string          `json:"account,omitempty"`
	OK          bool            `json:"ok,omitempty"`
	Error       string          `json:"error,omitempty"`
	Registered  bool            `json:"registered,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type connectionEvent struct {
	Phase  string `json:"phase"`
	Status int    `json:"status,omitempty"`
	QR     string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type channelEvent struct {
	ID   string `json:"id"`
	Open *bool  `json:"open,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type sendParams struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type pairingParams struct {
	Phone string `json:"phone"`
}

type pairingResult struct {
	Code string `json:"code"`
}

// lookupReply answers a lookup frame; Data is omitted on a miss.
type lookupReply struct {
	Found bool                `json:"found"`
	Meta  *transport.Metadata `json:"meta,omitempty"`
}

func decodeUpdate(f frame) (transport.Update, bool) {
	switch f.Event {
	case eventConnection:
		var ev connectionEvent
		if json.Unmarshal(f.Data, &ev) != nil {
			return transport.Update{}, false
		}
		return transport.Update{Kind: transport.UpdateConnection, Connection: &transport.ConnectionUpdate{
			Phase:      transport.Phase(ev.Phase),
			StatusCode: ev.Status,
			QR:         ev.QR,
			Reason:     ev.Reason,
		}}, true

	case eventChannels:
		var evs []channelEvent
		if json.Unmarshal(f.Data, &evs) != nil {
			return transport.Update{}, false
		}
		out := make([]transport.ChannelUpdate, 0, len(evs))
		for _, e := range evs {
			out = append(out, transport.ChannelUpdate{ID: e.ID, Open: e.Open})
		}
		return transport.Update{Kind: transport.UpdateChannels, Channels: out}, true

	case eventMembership:
		var p idParams
		if json.Unmarshal(f.Data, &p) != nil || p.ID == "" {
			return transport.Update{}, false
		}
		return transport.Update{Kind: transport.UpdateMembership, ChannelID: p.ID}, true

	case eventCredentials:
		if len(f.Data) == 0 || !json.Valid(f.Data) {
			return transport.Update{}, false
		}
		return transport.Update{Kind: transport.UpdateCredentials, Credentials: append([]byte(nil), f.Data...)}, true
	}
	return transport.Update{}, false
}
