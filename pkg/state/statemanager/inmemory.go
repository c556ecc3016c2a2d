package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/state"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/google/uuid"
)

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User
	rooms map[string]*state.Room

	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.Any("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	roomID := conn.RoomID
	m.connMu.Unlock()

	if roomID != "" {
		m.ReleaseRoom(roomID, connID)
	}

	// detach conn from user
	if conn.User != nil {
		m.userMu.Lock()
		defer m.userMu.Unlock()

		user := conn.User
		delete(user.Connections, connID)
		if len(user.Connections) == 0 {
			delete(m.users, user.ID)
		}
		m.logger.Debug("Detached connection from user", slog.Any("connID", connID.String()), slog.Any("userID", user.ID))
	}
	m.logger.Debug("Connection deregistered", "connID", connID.String())
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) GetAllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID string) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot associate user with unknown connection")
	}

	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[userID] = user
		m.logger.Debug("Created new user session", slog.Any("userID", userID))
	}

	conn.User = user
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.Any("connID", connID.String()), slog.Any("userID", userID))
	return user, nil
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldestConn *state.Connection
	for _, conn := range user.Connections {
		if oldestConn == nil || conn.CreatedAt.Before(oldestConn.CreatedAt) {
			oldestConn = conn
		}
	}
	return oldestConn, oldestConn != nil
}

// --- Room ownership ---

func (m *InMemoryManager) ClaimRoom(roomID string, connID uuid.UUID, mode session.Mode) (*state.Connection, error) {
	if roomID == "" {
		return nil, errors.New("cannot claim a room without an identifier")
	}
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot claim room for unknown connection")
	}

	var previous *state.Connection
	room, exists := m.rooms[roomID]
	if exists && room.Owner != nil && room.Owner.ID != connID {
		previous = room.Owner
		previous.RoomID = ""
	}
	if !exists {
		room = &state.Room{ID: roomID}
		m.rooms[roomID] = room
	}
	room.Owner = conn
	room.ClaimedAt = time.Now()
	conn.RoomID = roomID
	conn.Mode = mode

	m.logger.Debug("Room claimed", slog.String("roomID", roomID), slog.String("connID", connID.String()), slog.Bool("displaced", previous != nil))
	return previous, nil
}

func (m *InMemoryManager) ReleaseRoom(roomID string, connID uuid.UUID) bool {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok || room.Owner == nil || room.Owner.ID != connID {
		return false
	}
	delete(m.rooms, roomID)
	m.logger.Debug("Room released", slog.String("roomID", roomID), slog.String("connID", connID.String()))
	return true
}

func (m *InMemoryManager) FindRoom(roomID string) (*state.Room, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	cp := *room
	return &cp, true
}

func (m *InMemoryManager) RoomCount() int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms)
}
