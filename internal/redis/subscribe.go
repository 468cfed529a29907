package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// Subscribe issues one PSUBSCRIBE for all patterns and waits until Redis confirms
// every pattern. A failure here is a startup error.
func Subscribe(ctx context.Context, rdb *goredis.Client, patterns []string) (*goredis.PubSub, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no channel patterns to subscribe to")
	}

	sub := rdb.PSubscribe(ctx, patterns...)

	for confirmed := 0; confirmed < len(patterns); {
		reply, err := sub.Receive(ctx)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("failed to subscribe to %v: %w", patterns, err)
		}

		switch r := reply.(type) {
		case *goredis.Subscription:
			if r.Kind == "psubscribe" {
				confirmed++
			}
		case *goredis.Message:
			// Subscribe runs before the listener is bound, so no client can miss it.
			slog.Debug("Skipping message received during subscription setup", "channel", r.Channel)
		}
	}

	slog.Info("Listening on the channel(s)", "patterns", patterns)
	return sub, nil
}
