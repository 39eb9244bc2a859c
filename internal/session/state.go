package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/whisper/rtclient/internal/protocol"
)

// ConnectionState is the client's view of its transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Open
	Reconnecting
)

// String returns the lowercase name used in logs, metrics and mirrors.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MatchState is the client's view of whether it is idle, queued, or paired.
type MatchState int

const (
	Idle MatchState = iota
	Waiting
	Matched
)

// String returns the lowercase name used in logs, metrics and mirrors.
func (s MatchState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Matched:
		return "matched"
	default:
		return "unknown"
	}
}

// ChatMessage is one line of the current session's log.
type ChatMessage struct {
	ID        string // local key, never sent to the server
	Content   string
	SenderID  string
	Timestamp time.Time
	Own       bool // true when sent by this client
}

// State is the single record observed by consumers of the client.
type State struct {
	Connection     ConnectionState
	Match          MatchState
	Partner        *protocol.User
	Messages       []ChatMessage
	PartnerTyping  bool
	OnlineCount    int
	AvailableCount int
	Friends        []protocol.User
	FriendRequests []protocol.FriendRequest
	LastError      string // last server-reported error message
}

// Effect lists follow-up work the owner of a State must perform after a
// transition. Transitions themselves never do I/O.
type Effect struct {
	RequestFriends bool   // send get_friends
	ServerError    string // server sent an error frame with this message
}

// Frame is a decoded inbound frame.
type Frame struct {
	Type string
	Msg  interface{}
}

var newMessageID = uuid.NewString

// Apply performs the transition for a single decoded server frame. Unknown
// types and payloads of an unexpected Go type leave the state untouched.
func (s *State) Apply(msgType string, msg interface{}) Effect {
	var eff Effect

	switch m := msg.(type) {
	case protocol.RegisteredMsg:
		s.OnlineCount = m.OnlineCount
		s.AvailableCount = m.AvailableCount

	case protocol.WaitingMsg:
		s.Match = Waiting
		s.Partner = nil

	case protocol.MatchFoundMsg:
		partner := m.Partner
		s.Partner = &partner
		s.Messages = nil
		s.PartnerTyping = false
		s.Match = Matched

	case protocol.ChatMsg:
		s.Messages = append(s.Messages, ChatMessage{
			ID:        newMessageID(),
			Content:   m.Content,
			SenderID:  m.SenderID,
			Timestamp: m.Timestamp.Time,
			Own:       msgType == protocol.TypeMessageSent,
		})

	case protocol.PartnerTypingMsg:
		s.PartnerTyping = m.IsTyping

	case protocol.PartnerLeftMsg:
		s.clearPartner()

	case protocol.ErrorMsg:
		s.LastError = m.Message
		eff.ServerError = m.Message

	case protocol.FriendsListMsg:
		s.Friends = uniqueUsers(m.Friends)

	case protocol.FriendRequestsMsg:
		s.FriendRequests = uniqueRequests(m.Requests)

	case protocol.FriendRequestReceivedMsg:
		s.FriendRequests = upsertRequest(s.FriendRequests, m.Request)

	case protocol.FriendRequestResolvedMsg:
		s.FriendRequests = removeRequest(s.FriendRequests, m.RequestID)
		if msgType == protocol.TypeFriendRequestAccepted {
			eff.RequestFriends = true
		}

	case protocol.FriendRequestSentMsg:
		// acknowledged only
	}

	return eff
}

// ApplyAll applies frames in order and returns the effect of each.
func (s *State) ApplyAll(frames []Frame) []Effect {
	effects := make([]Effect, 0, len(frames))
	for _, f := range frames {
		effects = append(effects, s.Apply(f.Type, f.Msg))
	}
	return effects
}

// BeginWaiting is the optimistic transition taken when find_match is sent.
func (s *State) BeginWaiting() {
	s.Match = Waiting
	s.Partner = nil
}

// EndSession is the client-authoritative end of a pairing: partner, log and
// typing flag are cleared at once.
func (s *State) EndSession() {
	s.clearPartner()
	s.Messages = nil
}

// ConnectionLost records a dropped transport. The partner does not survive a
// reconnect; the log stays until the next match_found.
func (s *State) ConnectionLost() {
	s.Connection = Disconnected
	s.clearPartner()
}

func (s *State) clearPartner() {
	s.Partner = nil
	s.PartnerTyping = false
	s.Match = Idle
}

// Clone returns a deep copy safe to hand to observers.
func (s State) Clone() State {
	out := s
	if s.Partner != nil {
		p := *s.Partner
		out.Partner = &p
	}
	if s.Messages != nil {
		out.Messages = append([]ChatMessage(nil), s.Messages...)
	}
	if s.Friends != nil {
		out.Friends = append([]protocol.User(nil), s.Friends...)
	}
	if s.FriendRequests != nil {
		out.FriendRequests = make([]protocol.FriendRequest, len(s.FriendRequests))
		for i, r := range s.FriendRequests {
			if r.FromUser != nil {
				u := *r.FromUser
				r.FromUser = &u
			}
			out.FriendRequests[i] = r
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Collection helpers
// ---------------------------------------------------------------------------

func uniqueUsers(in []protocol.User) []protocol.User {
	out := make([]protocol.User, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		out = append(out, u)
	}
	return out
}

func uniqueRequests(in []protocol.FriendRequest) []protocol.FriendRequest {
	out := make([]protocol.FriendRequest, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func upsertRequest(reqs []protocol.FriendRequest, req protocol.FriendRequest) []protocol.FriendRequest {
	for i := range reqs {
		if reqs[i].ID == req.ID {
			reqs[i] = req
			return reqs
		}
	}
	return append(reqs, req)
}

func removeRequest(reqs []protocol.FriendRequest, id string) []protocol.FriendRequest {
	for i := range reqs {
		if reqs[i].ID == id {
			out := make([]protocol.FriendRequest, 0, len(reqs)-1)
			out = append(out, reqs[:i]...)
			return append(out, reqs[i+1:]...)
		}
	}
	return reqs
}
