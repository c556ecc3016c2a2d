package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/a-essam23/roomgate/pkg/transport"
	"github.com/google/uuid"
)

// Stream is the live chat channel for one room. It reconnects on its own
// when the backend drops it and gives up after the retry policy runs out.
type Stream struct {
	b      *Broker
	roomID string
	mode   session.Mode
	userID string
	seq    uint64

	url      *url.URL
	dialOpts transport.DialOptions
	withAuth bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	conn *transport.Connection

	done     chan struct{}
	doneOnce sync.Once
	err      error

	logger *slog.Logger
}

func (b *Broker) openStream(ctx context.Context, req Request, target transport.Target, endpoint string, logger *slog.Logger) (*Stream, error) {
	roomID := req.Intent.RoomID()
	if roomID == "" {
		roomID = endpoint
	}

	// one live stream per room: the older one is fully closed before the
	// newer one dials.
	lock := b.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	if prev, ok := b.tracked(roomID); ok {
		logger.Info("Closing previous stream for room", slog.String("roomID", roomID), slog.Uint64("prevSeq", prev.seq))
		prev.close(errSuperseded)
	}

	values := req.Intent.Values()
	header := http.Header{}
	withAuth := false
	switch req.Mode {
	case session.ModeGuest:
		values.Set("mode", string(session.ModeGuest))
	case session.ModeAuthenticated:
		if req.Token != "" {
			header.Set("Authorization", "Bearer "+req.Token)
			withAuth = true
		}
	}
	dialOpts := transport.DialOptions{
		Header:   header,
		Timeout:  b.opts.DialTimeout,
		Insecure: target.Insecure,
	}
	if target.ChangeOrigin {
		dialOpts.Origin = transport.Origin(target.Base)
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		b:        b,
		roomID:   roomID,
		mode:     req.Mode,
		userID:   req.UserID,
		seq:      req.Seq,
		url:      target.StreamURL(endpoint, values.Encode()),
		dialOpts: dialOpts,
		withAuth: withAuth,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("roomID", roomID)),
	}

	conn, err := s.connect()
	if err != nil {
		cancel(err)
		return nil, err
	}
	s.conn = conn

	b.mu.Lock()
	b.streams[roomID] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go s.supervise(conn)
	s.logger.Info("Stream established", slog.String("mode", string(s.mode)))
	return s, nil
}

// connect dials with the broker's retry policy, registers the connection
// and claims the room for it.
func (s *Stream) connect() (*transport.Connection, error) {
	b := s.b
	var conn *transport.Connection
	err := b.retry(s.ctx, "DialStream", func(attempt int) error {
		ws, resp, err := transport.Dial(s.ctx, s.url, s.dialOpts)
		if err != nil {
			if s.ctx.Err() != nil {
				return errs.New("broker", "DialStream", errs.ErrCancelled, err)
			}
			if resp != nil {
				if cerr := classifyStatus("DialStream", resp.StatusCode, s.withAuth); cerr != nil {
					return cerr
				}
			}
			return errs.New("broker", "DialStream", errs.ErrUnreachable, err).WithContext("attempt", attempt)
		}
		conn = transport.NewConnection(s.ctx, &b.wg, ws,
			transport.ConnectionConfig{ReadTimeout: b.opts.ReadTimeout},
			b.opts.Events.ForRoom(s.roomID),
			s.onClose,
			s.logger,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.register(conn); err != nil {
		conn.Close(err)
		return nil, errs.New("broker", "DialStream", errs.ErrRejected, err).AsFatal()
	}
	conn.Run()
	return conn, nil
}

func (s *Stream) register(conn *transport.Connection) error {
	m := s.b.opts.State
	if m == nil {
		return nil
	}
	if _, err := m.RegisterConnection(conn, s.url.Host); err != nil {
		return err
	}
	if s.userID != "" {
		if _, err := m.AssociateUser(conn.ID(), s.userID); err != nil {
			m.DeregisterConnection(conn.ID())
			return err
		}
	}
	previous, err := m.ClaimRoom(s.roomID, conn.ID(), s.mode)
	if err != nil {
		m.DeregisterConnection(conn.ID())
		return err
	}
	if previous != nil && previous.Transport != nil {
		previous.Transport.Close(errSuperseded)
	}
	return nil
}

func (s *Stream) onClose(connID uuid.UUID, err error, remote bool) {
	if m := s.b.opts.State; m != nil {
		if dErr := m.DeregisterConnection(connID); dErr != nil {
			s.logger.Error("Failed to deregister stream connection", slog.Any("error", dErr))
		}
	}
	s.logger.Debug("Stream connection closed", slog.Any("reason", err), slog.Bool("remote", remote))
}

// supervise watches the current connection and reconnects after the peer
// or the network drops it.
func (s *Stream) supervise(conn *transport.Connection) {
	defer s.b.wg.Done()
	for {
		select {
		case <-conn.Done():
		case <-s.ctx.Done():
			conn.Close(context.Cause(s.ctx))
			<-conn.Done()
			s.finish(nil)
			return
		}

		if s.ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if !conn.ClosedByPeer() {
			// closed locally but not through Stream.Close: the room was
			// claimed by a stream this broker does not own.
			s.finish(errs.New("broker", "Stream", errs.ErrChannelDropped, conn.Err()).AsFatal())
			return
		}

		s.logger.Warn("Stream dropped, reconnecting", slog.Any("reason", conn.Err()))
		next, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(nil)
				return
			}
			dropped := errs.New("broker", "Stream", errs.ErrChannelDropped, err).AsFatal()
			s.logger.Error("Stream could not be re-established", slog.Any("error", err))
			s.finish(dropped)
			return
		}
		s.mu.Lock()
		s.conn = next
		s.mu.Unlock()
		conn = next
		s.logger.Info("Stream re-established")
	}
}

func (s *Stream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel(err)
		s.b.forget(s)
		close(s.done)
		if err != nil && s.b.opts.OnDrop != nil {
			s.b.opts.OnDrop(s.roomID, s.seq, err)
		}
	})
}

func (s *Stream) current() *transport.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Stream) Kind() transport.Kind { return transport.KindStream }

func (s *Stream) RoomID() string { return s.roomID }

func (s *Stream) Mode() session.Mode { return s.mode }

// Seq returns the navigation sequence number that opened the stream.
func (s *Stream) Seq() uint64 { return s.seq }

// Send queues a frame on the current connection.
func (s *Stream) Send(msg []byte) bool {
	conn := s.current()
	if conn == nil {
		return false
	}
	return conn.Send(msg)
}

// Close tears the stream down and waits until it is gone. Pending
// reconnects stop immediately.
func (s *Stream) Close() error {
	s.close(errors.New("stream closed"))
	return nil
}

func (s *Stream) close(reason error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Debug("Closing stream", slog.Any("reason", reason))
	s.cancel(reason)
	<-s.done
}

// Done is closed once the stream has ended for good.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is nil while the stream lives and after a local close. It matches
// errs.ErrChannelDropped when the stream was lost.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
