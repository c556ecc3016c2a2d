package statemanager_test

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/state/statemanager"
	"github.com/a-essam23/roomgate/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

// The websocket itself is never touched by the manager, so it can be nil.
func newTransportConn() *transport.Connection {
	return transport.NewConnection(context.Background(), nil, nil, transport.ConnectionConfig{}, nil, nil, newTestLogger())
}

// --- Connection and User Management Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	// 1. Register
	stateConn, err := m.RegisterConnection(conn, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if _, err := m.RegisterConnection(conn, "127.0.0.1"); err == nil {
		t.Error("Registering the same connection twice should fail")
	}

	// 2. Get
	retrievedConn, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrievedConn.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	// 3. Deregister
	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found = m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Errorf("Deregistering twice should be a no-op, got %v", err)
	}
}

func TestUserAssociationAndConnectionCount(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, "1.1.1.1")
	m.RegisterConnection(conn2, "2.2.2.2")

	user, err := m.AssociateUser(conn1.ID(), userID)
	if err != nil {
		t.Fatalf("AssociateUser (1) failed: %v", err)
	}
	if user.ID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, user.ID)
	}

	if count, _ := m.GetUserConnectionCount(userID); count != 1 {
		t.Errorf("Expected connection count 1, got %d", count)
	}

	if _, err := m.AssociateUser(conn2.ID(), userID); err != nil {
		t.Fatalf("AssociateUser (2) failed: %v", err)
	}
	if count, _ := m.GetUserConnectionCount(userID); count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}

	m.DeregisterConnection(conn1.ID())
	if count, _ := m.GetUserConnectionCount(userID); count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}

	m.DeregisterConnection(conn2.ID())
	if _, found := m.FindUser(userID); found {
		t.Error("Expected user to be dropped after the last connection left")
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	userID := "user-cycle"
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, "1.1.1.1")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	m.RegisterConnection(conn2, "2.2.2.2")
	m.AssociateUser(conn1.ID(), userID)
	m.AssociateUser(conn2.ID(), userID)

	oldest, found := m.FindOldestUserConnection(userID)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// --- Room Ownership Tests ---

func TestClaimRoomLastWriterWins(t *testing.T) {
	m := newTestManager()
	roomID := "42"
	conn1, conn2 := newTransportConn(), newTransportConn()
	m.RegisterConnection(conn1, "1.1.1.1")
	m.RegisterConnection(conn2, "1.1.1.1")

	previous, err := m.ClaimRoom(roomID, conn1.ID(), session.ModeGuest)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if previous != nil {
		t.Errorf("Expected no previous owner, got %s", previous.ID)
	}

	previous, err = m.ClaimRoom(roomID, conn2.ID(), session.ModeAuthenticated)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if previous == nil || previous.ID != conn1.ID() {
		t.Fatalf("Expected conn1 to be displaced, got %v", previous)
	}

	room, found := m.FindRoom(roomID)
	if !found {
		t.Fatal("Expected room to exist")
	}
	if room.Owner.ID != conn2.ID() || room.Owner.Mode != session.ModeAuthenticated {
		t.Errorf("Expected conn2 to own the room in authenticated mode")
	}

	// the displaced connection can no longer release the room
	if m.ReleaseRoom(roomID, conn1.ID()) {
		t.Error("A displaced owner must not release the room")
	}
	// deregistering the displaced connection leaves the room alone
	m.DeregisterConnection(conn1.ID())
	if _, found := m.FindRoom(roomID); !found {
		t.Error("Room vanished after the displaced connection left")
	}

	m.DeregisterConnection(conn2.ID())
	if _, found := m.FindRoom(roomID); found {
		t.Error("Expected room to be released when its owner deregistered")
	}
	if m.RoomCount() != 0 {
		t.Errorf("Expected no rooms, got %d", m.RoomCount())
	}
}

func TestClaimRoomValidation(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()
	if _, err := m.ClaimRoom("42", conn.ID(), session.ModeGuest); err == nil {
		t.Error("Claiming for an unregistered connection should fail")
	}
	m.RegisterConnection(conn, "1.1.1.1")
	if _, err := m.ClaimRoom("", conn.ID(), session.ModeGuest); err == nil {
		t.Error("Claiming an empty room id should fail")
	}
}

func TestClaimRoomConcurrency(t *testing.T) {
	m := newTestManager()
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		conn := newTransportConn()
		m.RegisterConnection(conn, "10.0.0."+strconv.Itoa(i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := "room" + strconv.Itoa(i%5)
			m.ClaimRoom(roomID, conn.ID(), session.ModeGuest)
			m.FindRoom(roomID)
		}(i)
	}
	wg.Wait()

	if m.RoomCount() != 5 {
		t.Errorf("Expected 5 rooms, got %d", m.RoomCount())
	}
	owners := 0
	for _, c := range m.GetAllConnections() {
		if c.RoomID != "" {
			owners++
		}
	}
	if owners != 5 {
		t.Errorf("Expected exactly one owner per room (5), got %d", owners)
	}
}
