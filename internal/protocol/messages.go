// Package protocol defines the websocket frames exchanged between the
// realtime session client and the chat server. Every frame is a JSON object
// carrying a "type" discriminator plus type-specific fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister            = "register"
	TypeFindMatch           = "find_match"
	TypeSendMessage         = "send_message"
	TypeTyping              = "typing"
	TypeEndSession          = "end_session"
	TypeSendFriendRequest   = "send_friend_request"
	TypeAcceptFriendRequest = "accept_friend_request"
	TypeRejectFriendRequest = "reject_friend_request"
	TypeGetFriends          = "get_friends"
	TypeGetFriendRequests   = "get_friend_requests"
)

// Server -> Client message types.
const (
	TypeRegistered            = "registered"
	TypeWaiting               = "waiting"
	TypeMatchFound            = "match_found"
	TypeMessage               = "message"
	TypeMessageSent           = "message_sent"
	TypePartnerTyping         = "partner_typing"
	TypePartnerDisconnected   = "partner_disconnected"
	TypeSessionEnded          = "session_ended"
	TypeError                 = "error"
	TypeFriendsList           = "friends_list"
	TypeFriendRequests        = "friend_requests"
	TypeFriendRequestReceived = "friend_request_received"
	TypeFriendRequestSent     = "friend_request_sent"
	TypeFriendRequestAccepted = "friend_request_accepted"
	TypeFriendRequestRejected = "friend_request_rejected"
)

var (
	// ErrMissingType is returned for frames without a "type" field.
	ErrMissingType = errors.New("protocol: missing or empty \"type\" field")

	// ErrUnknownType is returned for frames whose type this client does not
	// understand. Callers are expected to ignore such frames.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrMissingPartner is returned for match_found frames without a
	// partner id.
	ErrMissingPartner = errors.New("protocol: match_found without a partner id")
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return ErrMissingType
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload shapes
// ---------------------------------------------------------------------------

// User is the profile shape used for the registering identity, the matched
// partner, friends and friend-request senders. Only ID is mandatory.
type User struct {
	ID    string  `json:"id"`
	Name  *string `json:"name"`
	Email *string `json:"email"`
	Image *string `json:"image"`
}

// FriendRequest is a pending incoming friend request.
type FriendRequest struct {
	ID         string `json:"id"`
	FromUserID string `json:"fromUserId"`
	FromUser   *User  `json:"fromUser,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg binds the connection to the authenticated identity. It is the
// first frame sent on every freshly opened transport.
type RegisterMsg struct {
	UserID string `json:"userId"`
	User   User   `json:"user"`
}

// FindMatchMsg enters the matching queue.
type FindMatchMsg struct{}

// SendMessageMsg carries a chat line for the current partner.
type SendMessageMsg struct {
	Content string `json:"content"`
}

// TypingMsg reports whether the local user is typing.
type TypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// EndSessionMsg leaves the current pairing.
type EndSessionMsg struct{}

// SendFriendRequestMsg asks the server to send a friend request.
type SendFriendRequestMsg struct {
	ToUserID string `json:"toUserId"`
}

// RespondFriendRequestMsg accepts or rejects a pending request, depending on
// the type it is sent under.
type RespondFriendRequestMsg struct {
	RequestID string `json:"requestId"`
}

// GetFriendsMsg requests a friends_list snapshot.
type GetFriendsMsg struct{}

// GetFriendRequestsMsg requests a friend_requests snapshot.
type GetFriendRequestsMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegisteredMsg acknowledges registration with the current population.
type RegisteredMsg struct {
	OnlineCount    int `json:"onlineCount"`
	AvailableCount int `json:"availableCount"`
}

// WaitingMsg confirms the client is queued for a match.
type WaitingMsg struct{}

// MatchFoundMsg announces a new partner.
type MatchFoundMsg struct {
	Partner User `json:"partner"`
}

// ChatMsg is used for both "message" (from the partner) and
// "message_sent" (server echo of a line this client sent).
type ChatMsg struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp Timestamp `json:"timestamp"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// PartnerLeftMsg is used for both partner_disconnected and session_ended.
type PartnerLeftMsg struct{}

// ErrorMsg is a server-reported application error.
type ErrorMsg struct {
	Message string `json:"message"`
}

// FriendsListMsg is a snapshot of the friend collection.
type FriendsListMsg struct {
	Friends []User `json:"friends"`
}

// FriendRequestsMsg is a snapshot of pending friend requests.
type FriendRequestsMsg struct {
	Requests []FriendRequest `json:"requests"`
}

// FriendRequestReceivedMsg delivers one new incoming request.
type FriendRequestReceivedMsg struct {
	Request FriendRequest `json:"request"`
}

// FriendRequestSentMsg acknowledges an outgoing friend request.
type FriendRequestSentMsg struct{}

// FriendRequestResolvedMsg is used for friend_request_accepted and
// friend_request_rejected.
type FriendRequestResolvedMsg struct {
	RequestID string `json:"requestId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw websocket bytes into a typed server message.
// It returns the message type string, the decoded struct, and any error.
// Unknown types yield ErrUnknownType together with the type string so the
// caller can log and skip them.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMissingType) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegistered:
		var m RegisteredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWaiting:
		msg = WaitingMsg{}
	case TypeMatchFound:
		var m MatchFoundMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.Partner.ID == "" {
			err = ErrMissingPartner
		}
		msg = m
	case TypeMessage, TypeMessageSent:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePartnerTyping:
		var m PartnerTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePartnerDisconnected, TypeSessionEnded:
		msg = PartnerLeftMsg{}
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendsList:
		var m FriendsListMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendRequests:
		var m FriendRequestsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendRequestReceived:
		var m FriendRequestReceivedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendRequestSent:
		msg = FriendRequestSentMsg{}
	case TypeFriendRequestAccepted, TypeFriendRequestRejected:
		var m FriendRequestResolvedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates a JSON-encoded frame for a client message. The
// msgType is injected into the payload under the "type" key.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
