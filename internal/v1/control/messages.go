package control

import (
	"encoding/json"

	"github.com/Mewski/obsidian-live-share/internal/v1/types"
)

// Inbound message types accepted on the control channel. Anything else is
// silently dropped.
const (
	msgFileOp         = "file-op"
	msgPresenceUpdate = "presence-update"
	msgFollowUpdate   = "follow-update"
	msgSessionEnd     = "session-end"
	msgJoinRequest    = "join-request"
	msgJoinResponse   = "join-response"
	msgFocusRequest   = "focus-request"
	msgSummon         = "summon"
	msgKick           = "kick"
)

// Server-emitted message types.
const (
	msgKicked        = "kicked"
	msgPresenceLeave = "presence-leave"
)

// summonAll is the sentinel target that broadcasts a summon to everyone.
const summonAll = "__all__"

// controlMessage is the superset envelope of every inbound control message.
// Only the fields relevant to the declared type are read; the original raw
// bytes are what gets relayed to peers.
type controlMessage struct {
	Type         string           `json:"type"`
	UserID       types.UserIdType `json:"userId,omitempty"`
	TargetUserID types.UserIdType `json:"targetUserId,omitempty"`
	DisplayName  string           `json:"displayName,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	Approved     *bool            `json:"approved,omitempty"`
	Permission   types.Permission `json:"permission,omitempty"`
}

// parseMessage decodes an inbound frame. ok is false for non-objects,
// unparseable bodies, and messages without a type.
func parseMessage(raw []byte) (controlMessage, bool) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return controlMessage{}, false
	}
	if msg.Type == "" {
		return controlMessage{}, false
	}
	return msg, true
}

// joinResponse is the server's answer to a guest, both on auto-approval and
// after a host decision.
type joinResponse struct {
	Type       string           `json:"type"`
	Approved   bool             `json:"approved"`
	Permission types.Permission `json:"permission"`
}

// joinRequestForward is what the host sees when a guest asks to join.
type joinRequestForward struct {
	Type        string           `json:"type"`
	UserID      types.UserIdType `json:"userId"`
	DisplayName string           `json:"displayName"`
	AvatarURL   string           `json:"avatarUrl,omitempty"`
}

type kickedNotice struct {
	Type string `json:"type"`
}

type presenceLeave struct {
	Type   string           `json:"type"`
	UserID types.UserIdType `json:"userId"`
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All server-emitted messages are plain structs; this cannot fail.
		panic(err)
	}
	return data
}
