package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/rtclient/internal/ratelimit"
	"github.com/whisper/rtclient/internal/session"
)

// Command actions accepted on the command subject.
const (
	ActionFindMatch           = "find_match"
	ActionSendMessage         = "send_message"
	ActionTyping              = "typing"
	ActionEndSession          = "end_session"
	ActionSendFriendRequest   = "send_friend_request"
	ActionAcceptFriendRequest = "accept_friend_request"
	ActionRejectFriendRequest = "reject_friend_request"
	ActionGetFriends          = "get_friends"
	ActionGetFriendRequests   = "get_friend_requests"
)

var (
	// ErrUnknownAction is returned for commands with an unrecognized action.
	ErrUnknownAction = errors.New("messaging: unknown action")

	// ErrRateLimited is returned for commands rejected by the limiter.
	ErrRateLimited = errors.New("messaging: rate limited")
)

// Limiter throttles relay commands. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Actions is the outbound API the relay drives. *ws.Client implements it.
type Actions interface {
	FindMatch() error
	SendMessage(content string) error
	SendTyping(isTyping bool) error
	EndSession() error
	SendFriendRequest(toUserID string) error
	AcceptFriendRequest(requestID string) error
	RejectFriendRequest(requestID string) error
	LoadFriends() error
	LoadFriendRequests() error
}

// Command is the JSON body of a message on the command subject.
type Command struct {
	Action    string `json:"action"`
	Content   string `json:"content,omitempty"`
	IsTyping  bool   `json:"isTyping,omitempty"`
	ToUserID  string `json:"toUserId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// CommandReply is sent back when a command arrives as a request. Remaining
// is the sender's command quota left in the current window; it is omitted
// when the relay runs without a limiter.
type CommandReply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// Execute runs cmd against a.
func Execute(a Actions, cmd Command) error {
	switch cmd.Action {
	case ActionFindMatch:
		return a.FindMatch()
	case ActionSendMessage:
		return a.SendMessage(cmd.Content)
	case ActionTyping:
		return a.SendTyping(cmd.IsTyping)
	case ActionEndSession:
		return a.EndSession()
	case ActionSendFriendRequest:
		return a.SendFriendRequest(cmd.ToUserID)
	case ActionAcceptFriendRequest:
		return a.AcceptFriendRequest(cmd.RequestID)
	case ActionRejectFriendRequest:
		return a.RejectFriendRequest(cmd.RequestID)
	case ActionGetFriends:
		return a.LoadFriends()
	case ActionGetFriendRequests:
		return a.LoadFriendRequests()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
}

// StateEvent is the JSON document published for every state transition.
type StateEvent struct {
	UserID         string    `json:"userId"`
	Connection     string    `json:"connection"`
	Match          string    `json:"match"`
	PartnerID      string    `json:"partnerId,omitempty"`
	PartnerTyping  bool      `json:"partnerTyping"`
	Messages       int       `json:"messages"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	OnlineCount    int       `json:"onlineCount"`
	AvailableCount int       `json:"availableCount"`
	Friends        []string  `json:"friends"`
	Requests       []string  `json:"requests"`
	LastError      string    `json:"lastError,omitempty"`
	At             time.Time `json:"at"`
}

// NewStateEvent flattens st for publication.
func NewStateEvent(userID string, st session.State) StateEvent {
	ev := StateEvent{
		UserID:         userID,
		Connection:     st.Connection.String(),
		Match:          st.Match.String(),
		PartnerTyping:  st.PartnerTyping,
		Messages:       len(st.Messages),
		OnlineCount:    st.OnlineCount,
		AvailableCount: st.AvailableCount,
		Friends:        make([]string, 0, len(st.Friends)),
		Requests:       make([]string, 0, len(st.FriendRequests)),
		LastError:      st.LastError,
		At:             time.Now().UTC(),
	}
	if st.Partner != nil {
		ev.PartnerID = st.Partner.ID
	}
	if n := len(st.Messages); n > 0 {
		ev.LastMessage = st.Messages[n-1].Content
	}
	for _, f := range st.Friends {
		ev.Friends = append(ev.Friends, f.ID)
	}
	for _, r := range st.FriendRequests {
		ev.Requests = append(ev.Requests, r.ID)
	}
	return ev
}

// Relay bridges one client to NATS.
type Relay struct {
	nc      *NATSClient
	userID  string
	actions Actions
	limiter Limiter
	log     *slog.Logger
}

// NewRelay creates a relay for userID. Call Start to begin accepting
// commands.
func NewRelay(nc *NATSClient, userID string, actions Actions, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		nc:      nc,
		userID:  userID,
		actions: actions,
		log:     log.With("user", userID),
	}
}

// SetLimiter enables command throttling. It must be called before Start.
func (r *Relay) SetLimiter(l Limiter) {
	r.limiter = l
}

// Start subscribes to the user's command subject.
func (r *Relay) Start() error {
	return r.nc.Subscribe(CommandSubject(r.userID), r.handleCommand)
}

// Stop unsubscribes from the command subject.
func (r *Relay) Stop() error {
	return r.nc.Unsubscribe(CommandSubject(r.userID))
}

// Publish sends st on the user's state subject. It has the observer
// signature so it can be passed to Client.Subscribe; nats buffers the
// publish so the caller never waits on the network.
func (r *Relay) Publish(st session.State) {
	data, err := json.Marshal(NewStateEvent(r.userID, st))
	if err != nil {
		r.log.Error("[nats] failed to encode state", "err", err)
		return
	}
	if err := r.nc.Publish(StateSubject(r.userID), data); err != nil {
		r.log.Warn("[nats] failed to publish state", "err", err)
	}
}

// Handle validates, throttles and executes one encoded command.
func (r *Relay) Handle(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("messaging: invalid command: %w", err)
	}
	if err := r.allow(cmd); err != nil {
		return cmd, err
	}
	return cmd, Execute(r.actions, cmd)
}

func (r *Relay) allow(cmd Command) error {
	if r.limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rules := []ratelimit.Rule{ratelimit.RuleCommand}
	if cmd.Action == ActionFindMatch {
		rules = append(rules, ratelimit.RuleFindMatch)
	}
	for _, rule := range rules {
		// Limiter errors fail open.
		if ok, _ := r.limiter.Allow(ctx, r.userID, rule); !ok {
			return fmt.Errorf("%w: %s", ErrRateLimited, cmd.Action)
		}
	}
	return nil
}

func (r *Relay) handleCommand(msg *nats.Msg) {
	cmd, err := r.Handle(msg.Data)

	if err != nil {
		r.log.Warn("[nats] command failed", "action", cmd.Action, "err", err)
	} else {
		r.log.Debug("[nats] command executed", "action", cmd.Action)
	}

	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(r.reply(err))
	if err := msg.Respond(data); err != nil {
		r.log.Warn("[nats] failed to reply", "err", err)
	}
}

func (r *Relay) reply(err error) CommandReply {
	reply := CommandReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, _ := r.limiter.Remaining(ctx, r.userID, ratelimit.RuleCommand)
		reply.Remaining = &n
	}
	return reply
}
