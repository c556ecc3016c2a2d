package state

import (
	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	// DeregisterConnection also releases any room the connection owns.
	DeregisterConnection(connID uuid.UUID) error
	GetAllConnections() []*Connection

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID string) (*User, error)
	GetUserConnectionCount(userID string) (int, error)
	FindOldestUserConnection(userID string) (*Connection, bool)

	// --- Room ownership ---
	// ClaimRoom makes connID the owner of roomID and returns the connection
	// it displaced, if any (last writer wins).
	ClaimRoom(roomID string, connID uuid.UUID, mode session.Mode) (previous *Connection, err error)
	FindRoom(roomID string) (*Room, bool)
}
