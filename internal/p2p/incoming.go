package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listener accepts inbound sockets and runs their handshakes on the pool.
type Listener struct {
	self             protocol.HostPort
	handshakeTimeout time.Duration
	registry         Registry
	tasks            pool.Submitter
	onEstablished    EstablishedFunc
	metrics          *monitoring.Metrics
	logger           *logrus.Entry
}

func NewListener(self protocol.HostPort, handshakeTimeout time.Duration, registry Registry, tasks pool.Submitter, onEstablished EstablishedFunc, metrics *monitoring.Metrics, logger *logrus.Entry) *Listener {
	return &Listener{
		self:             self,
		handshakeTimeout: handshakeTimeout,
		registry:         registry,
		tasks:            tasks,
		onEstablished:    onEstablished,
		metrics:          metrics,
		logger:           logger,
	}
}

// Serve accepts on ln until ctx is cancelled. Accept errors are retried
// with a growing delay; only a listener closed by someone else ends Serve
// early. ln is closed on return.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	l.logger.WithField("addr", ln.Addr().String()).Info("Listening for peers")

	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("Stopped listening for peers")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Accept failed")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				l.logger.Info("Stopped listening for peers")
				return nil
			case <-timer.C:
			}
			continue
		}
		delay = 0

		conn := NewConnection(raw, Inbound, l.metrics, l.logger)

		// a full registry will refuse this peer anyway
		priority := pool.Normal
		if l.registry.IsNearCapacity() {
			priority = pool.Low
		}

		if err := l.tasks.Submit("incoming handshake", priority, func(ctx context.Context) {
			l.handshake(ctx, conn)
		}); err != nil {
			l.logger.WithError(err).Warn("Could not schedule handshake")
			conn.Close(false)
		}
	}
}

func (l *Listener) handshake(ctx context.Context, conn *Connection) {
	// the pool hands over queued handshakes with a cancelled ctx at shutdown
	if ctx.Err() != nil {
		conn.Close(false)
		return
	}

	msg, err := conn.ReceiveOne(ctx, l.handshakeTimeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			l.metrics.RecordHandshake(Inbound.String(), "timeout")
			conn.Abort("no handshake received before timeout")
		case errors.Is(err, protocol.ErrInvalidProtocol):
			l.metrics.RecordHandshake(Inbound.String(), "invalid")
			conn.Abort(err.Error())
		default:
			conn.Close(false)
		}
		return
	}

	req, ok := msg.(*protocol.HandshakeRequest)
	if !ok {
		l.metrics.RecordHandshake(Inbound.String(), "invalid")
		conn.Abort(fmt.Sprintf("expected %s but got %s", protocol.KindHandshakeRequest, msg.Kind()))
		return
	}

	result := l.registry.Admit(conn, req.Peer)
	l.metrics.RecordHandshake(Inbound.String(), result.String())

	switch result {
	case Admitted:
		if err := conn.Send(&protocol.HandshakeResponse{Peer: l.self}); err != nil {
			return
		}
		if err := conn.MarkEstablished(req.Peer); err != nil {
			conn.Close(true)
			return
		}
		if l.onEstablished != nil {
			l.onEstablished(conn)
		}

	case RejectedLimit, RejectedDuplicate:
		reason := protocol.ReasonLimitReached
		if result == RejectedDuplicate {
			reason = protocol.ReasonAlreadyExists
		}
		l.logger.WithFields(logrus.Fields{
			"peer":   req.Peer.String(),
			"reason": reason,
		}).Info("Refusing connection")
		_ = conn.SendNow(&protocol.ConnectionRefused{Reason: reason, Peers: l.registry.CachedPeers()})
		conn.Close(false)
	}
}
