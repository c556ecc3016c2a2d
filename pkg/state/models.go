package state

import (
	"time"

	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	User      *User                 // Pointer to the owning user (nil until associated)
	RoomID    string                // Room this connection owns, if any
	Mode      session.Mode
	CreatedAt time.Time
}

// canonical representation of a participant, aggregating all their connections.
// Guests are keyed by "guest:<ip>".
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection
}

// Room records which connection currently owns the live stream for a room
// identifier. There is at most one owner per room.
type Room struct {
	ID        string
	Owner     *Connection
	ClaimedAt time.Time
}
