package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/whisper/rtclient/internal/config"
	"github.com/whisper/rtclient/internal/messaging"
	"github.com/whisper/rtclient/internal/session"
	"github.com/whisper/rtclient/internal/ws"
)

const chatHelp = `commands:
  /find                  look for a partner
  /end                   end the current chat
  /typing on|off         set the typing indicator
  /friend add <user>     send a friend request
  /friend accept <id>    accept a friend request
  /friend reject <id>    reject a friend request
  /friends               reload the friend list
  /requests              reload pending friend requests
  /quit                  exit
anything else is sent to your partner`

var (
	errQuit = errors.New("quit")
	errHelp = errors.New("help")
)

// parseLine turns one line of chat input into a relay command. Blank lines
// yield an empty action.
func parseLine(line string) (messaging.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return messaging.Command{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return messaging.Command{Action: messaging.ActionSendMessage, Content: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/find":
		return messaging.Command{Action: messaging.ActionFindMatch}, nil
	case "/end":
		return messaging.Command{Action: messaging.ActionEndSession}, nil
	case "/friends":
		return messaging.Command{Action: messaging.ActionGetFriends}, nil
	case "/requests":
		return messaging.Command{Action: messaging.ActionGetFriendRequests}, nil
	case "/quit", "/exit":
		return messaging.Command{}, errQuit
	case "/help":
		return messaging.Command{}, errHelp
	case "/typing":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return messaging.Command{}, fmt.Errorf("usage: /typing on|off")
		}
		return messaging.Command{Action: messaging.ActionTyping, IsTyping: fields[1] == "on"}, nil
	case "/friend":
		if len(fields) != 3 {
			return messaging.Command{}, fmt.Errorf("usage: /friend add|accept|reject <id>")
		}
		switch fields[1] {
		case "add":
			return messaging.Command{Action: messaging.ActionSendFriendRequest, ToUserID: fields[2]}, nil
		case "accept":
			return messaging.Command{Action: messaging.ActionAcceptFriendRequest, RequestID: fields[2]}, nil
		case "reject":
			return messaging.Command{Action: messaging.ActionRejectFriendRequest, RequestID: fields[2]}, nil
		}
		return messaging.Command{}, fmt.Errorf("unknown friend action %q", fields[1])
	}
	return messaging.Command{}, fmt.Errorf("unknown command %s (try /help)", fields[0])
}

// printer writes human-readable lines for the differences between
// consecutive states.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	prev session.State
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) observe(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.prev
	p.prev = st

	if st.Connection != prev.Connection {
		fmt.Fprintf(p.w, "* %s\n", st.Connection)
	}
	if st.OnlineCount != prev.OnlineCount || st.AvailableCount != prev.AvailableCount {
		fmt.Fprintf(p.w, "* %d online, %d looking for a chat\n", st.OnlineCount, st.AvailableCount)
	}

	switch {
	case st.Match == session.Matched && (prev.Partner == nil || st.Partner == nil || prev.Partner.ID != st.Partner.ID):
		fmt.Fprintf(p.w, "* matched with %s\n", partnerName(st))
	case st.Match == session.Waiting && prev.Match != session.Waiting:
		fmt.Fprintln(p.w, "* looking for a partner...")
	case st.Match == session.Idle && prev.Match == session.Matched:
		fmt.Fprintln(p.w, "* chat ended")
	}

	start := len(prev.Messages)
	if start > len(st.Messages) || (start > 0 && prev.Messages[0].ID != st.Messages[0].ID) {
		start = 0
	}
	for _, m := range st.Messages[start:] {
		who := "them"
		if m.Own {
			who = "you"
		}
		fmt.Fprintf(p.w, "<%s> %s\n", who, m.Content)
	}

	if st.PartnerTyping && !prev.PartnerTyping {
		fmt.Fprintln(p.w, "* partner is typing...")
	}
	if st.LastError != "" && st.LastError != prev.LastError {
		fmt.Fprintf(p.w, "! %s\n", st.LastError)
	}

	known := make(map[string]bool, len(prev.FriendRequests))
	for _, r := range prev.FriendRequests {
		known[r.ID] = true
	}
	for _, r := range st.FriendRequests {
		if !known[r.ID] {
			from := r.FromUserID
			if r.FromUser != nil && r.FromUser.Name != nil {
				from = *r.FromUser.Name
			}
			fmt.Fprintf(p.w, "* friend request %s from %s\n", r.ID, from)
		}
	}
	if len(st.Friends) != len(prev.Friends) {
		fmt.Fprintf(p.w, "* %d friends\n", len(st.Friends))
	}
}

func partnerName(st session.State) string {
	if st.Partner == nil {
		return "someone"
	}
	if st.Partner.Name != nil && *st.Partner.Name != "" {
		return *st.Partner.Name
	}
	return st.Partner.ID
}

func runChat(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	log := cfg.NewLogger(out)
	c, err := newClient(cfg, cfg.Identity(), ws.WithLogger(log))
	if err != nil {
		return err
	}
	defer c.Close()

	c.Subscribe(newPrinter(out).observe)
	fmt.Fprintln(out, "connecting to", c.Endpoint(), "(type /help for commands)")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case errors.Is(err, errHelp):
				fmt.Fprintln(out, chatHelp)
				continue
			case err != nil:
				fmt.Fprintln(out, "!", err)
				continue
			case cmd.Action == "":
				continue
			}
			if err := messaging.Execute(c, cmd); err != nil {
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}
