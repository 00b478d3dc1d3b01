package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const matrixSendTimeout = 30 * time.Second

// MatrixConfig holds credentials for the Matrix notifier.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// Matrix posts notifications to a single Matrix room.
type Matrix struct {
	client *mautrix.Client
	room   id.RoomID
	logger *slog.Logger
}

// NewMatrix creates a Matrix notifier.
func NewMatrix(cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("matrix room_id is required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{
		client: client,
		room:   id.RoomID(cfg.RoomID),
		logger: logger.With("component", "notify.matrix"),
	}, nil
}

func (m *Matrix) Notify(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, matrixSendTimeout)
	defer cancel()

	if _, err := m.client.SendText(ctx, m.room, n.Text); err != nil {
		m.logger.Error("failed to send notification", "room", m.room.String(), "kind", n.Kind, "error", err)
		return fmt.Errorf("send to %s: %w", m.room, err)
	}
	return nil
}
