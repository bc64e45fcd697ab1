package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/models"
)

// ErrListenerClosed is returned when waiting on a listener without a connection.
var ErrListenerClosed = errors.New("listener is not connected")

// Listener owns a dedicated connection subscribed to LISTEN channels.
// It is separate from the pool because a LISTEN session is bound to one
// connection for its whole lifetime.
type Listener struct {
	connString string
	channels   []string
	logger     *logrus.Logger

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewListener creates a listener for the given channels. Connect must be
// called before waiting.
func NewListener(connString string, logger *logrus.Logger, channels ...string) *Listener {
	return &Listener{
		connString: connString,
		channels:   channels,
		logger:     logger,
	}
}

// Connect opens the connection and issues LISTEN for every channel.
func (l *Listener) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to open listener connection: %w", err)
	}

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, listenStatement(ch)); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}

	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}

	l.logger.WithField("channels", l.channels).Info("Listening for notifications")
	return nil
}

// Reconnect drops the current connection and connects again.
func (l *Listener) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	old := l.conn
	l.conn = nil
	l.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	return l.Connect(ctx)
}

// WaitForNotification blocks until a notification arrives or ctx is done.
func (l *Listener) WaitForNotification(ctx context.Context) (*models.Notification, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return nil, ErrListenerClosed
	}

	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Close closes the connection if open.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

func listenStatement(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}
