package listener

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of a subscription connection the listener needs.
// *pgx.Conn satisfies it; tests substitute scripted fakes.
type Conn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// DialFunc establishes a fresh subscription connection. The returned
// connection must already be subscribed to the notification channel.
type DialFunc func(ctx context.Context) (Conn, error)

// PostgresDial returns a DialFunc that connects to the source database
// and issues LISTEN on the given channel.
func PostgresDial(dsn, channel string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		return conn, nil
	}
}
