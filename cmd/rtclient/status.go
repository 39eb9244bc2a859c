package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/whisper/rtclient/internal/config"
	"github.com/whisper/rtclient/internal/ratelimit"
	"github.com/whisper/rtclient/internal/session"
)

// runStatus prints what the bridge for cfg.UserID last mirrored into Redis.
func runStatus(ctx context.Context, cfg config.Config, out io.Writer) error {
	if cfg.UserID == "" {
		return errors.New("status: a user id is required (--user or RTCLIENT_USER_ID)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("status: a redis address is required (--redis or REDIS_ADDR)")
	}
	store, err := session.NewStore(cfg.RedisAddr, "")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer store.Close()

	return writeStatus(ctx, store, cfg.UserID, out)
}

func writeStatus(ctx context.Context, store *session.Store, userID string, out io.Writer) error {
	snap, err := store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if snap == nil {
		fmt.Fprintf(out, "no bridge is mirroring %s\n", userID)
		return nil
	}

	fmt.Fprintf(out, "user:        %s (client %s)\n", snap.UserID, snap.ClientID)
	fmt.Fprintf(out, "connection:  %s\n", snap.Connection)
	if snap.PartnerID != "" {
		fmt.Fprintf(out, "match:       %s with %s\n", snap.Match, snap.PartnerID)
	} else {
		fmt.Fprintf(out, "match:       %s\n", snap.Match)
	}
	fmt.Fprintf(out, "messages:    %d\n", snap.Messages)
	fmt.Fprintf(out, "online:      %d (%d available)\n", snap.OnlineCount, snap.AvailableCount)
	fmt.Fprintf(out, "friends:     %d (%d pending)\n", snap.Friends, snap.PendingRequests)
	fmt.Fprintf(out, "last active: %s\n", time.Unix(snap.LastActive, 0).UTC().Format(time.RFC3339))

	limiter := ratelimit.NewLimiter(store.Client(), nil)
	if left, err := limiter.Remaining(ctx, userID, ratelimit.RuleCommand); err == nil {
		fmt.Fprintf(out, "commands:    %d of %d left this window\n", left, ratelimit.RuleCommand.Limit)
	}
	return nil
}
