package ws

import (
	"github.com/whisper/rtclient/internal/protocol"
	"github.com/whisper/rtclient/internal/session"
)

// State returns a copy of the current session state. After Close it returns
// the state as it was when the client was torn down.
func (c *Client) State() session.State {
	var st session.State
	if !c.do(func() { st = c.state.Clone() }) {
		return c.final.Clone()
	}
	return st
}

// Subscribe registers fn to receive a copy of the state after every
// transition, in order, on the client's event loop. fn must not call back
// into the Client synchronously. The returned func removes the observer.
func (c *Client) Subscribe(fn func(session.State)) (unsubscribe func()) {
	var id int
	registered := c.do(func() {
		c.observerSeq++
		id = c.observerSeq
		c.observers[id] = fn
	})
	return func() {
		if registered {
			c.do(func() { delete(c.observers, id) })
		}
	}
}

// On registers a handler that runs after the state transition of every
// inbound frame of msgType. Like observers, handlers run on the event loop.
func (c *Client) On(msgType string, handler FrameHandler) {
	c.do(func() { c.dispatcher.Register(msgType, handler) })
}

// FindMatch enters the matching queue. The client moves to Waiting before
// the server confirms.
func (c *Client) FindMatch() error {
	return c.action(func() error {
		if err := c.send(protocol.TypeFindMatch, protocol.FindMatchMsg{}); err != nil {
			return err
		}
		c.state.BeginWaiting()
		c.notify()
		return nil
	})
}

// SendMessage sends a chat line to the partner. Nothing is appended locally;
// the server's message_sent echo is authoritative.
func (c *Client) SendMessage(content string) error {
	return c.action(func() error {
		return c.send(protocol.TypeSendMessage, protocol.SendMessageMsg{Content: content})
	})
}

// SendTyping reports the local typing indicator.
func (c *Client) SendTyping(isTyping bool) error {
	return c.action(func() error {
		return c.send(protocol.TypeTyping, protocol.TypingMsg{IsTyping: isTyping})
	})
}

// EndSession leaves the current pairing. Partner, log and typing flag are
// cleared locally without waiting for the server. While disconnected it
// changes nothing and returns ErrNotConnected.
func (c *Client) EndSession() error {
	return c.action(func() error {
		if err := c.send(protocol.TypeEndSession, protocol.EndSessionMsg{}); err != nil {
			return err
		}
		c.state.EndSession()
		c.notify()
		return nil
	})
}

// SendFriendRequest asks the server to send a friend request to toUserID.
func (c *Client) SendFriendRequest(toUserID string) error {
	return c.action(func() error {
		return c.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequestMsg{ToUserID: toUserID})
	})
}

// AcceptFriendRequest accepts a pending request. The pending collection only
// changes when the server confirms.
func (c *Client) AcceptFriendRequest(requestID string) error {
	return c.action(func() error {
		return c.send(protocol.TypeAcceptFriendRequest, protocol.RespondFriendRequestMsg{RequestID: requestID})
	})
}

// RejectFriendRequest rejects a pending request.
func (c *Client) RejectFriendRequest(requestID string) error {
	return c.action(func() error {
		return c.send(protocol.TypeRejectFriendRequest, protocol.RespondFriendRequestMsg{RequestID: requestID})
	})
}

// LoadFriends requests a friends_list snapshot.
func (c *Client) LoadFriends() error {
	return c.action(func() error {
		return c.send(protocol.TypeGetFriends, protocol.GetFriendsMsg{})
	})
}

// LoadFriendRequests requests a friend_requests snapshot.
func (c *Client) LoadFriendRequests() error {
	return c.action(func() error {
		return c.send(protocol.TypeGetFriendRequests, protocol.GetFriendRequestsMsg{})
	})
}

func (c *Client) action(fn func() error) error {
	var err error
	if !c.do(func() {
		if c.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}) {
		return ErrClosed
	}
	return err
}
