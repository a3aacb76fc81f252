// Package nbd provides the main API for serving an NBD export over TCP.
package nbd

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/cloudwego/gopkg/bufiox"

	"github.com/VladikNeVladik/NBD-Server/export"
	"github.com/VladikNeVladik/NBD-Server/internal/constants"
	"github.com/VladikNeVladik/NBD-Server/internal/interfaces"
	"github.com/VladikNeVladik/NBD-Server/internal/iot"
	"github.com/VladikNeVladik/NBD-Server/internal/negotiate"
	"github.com/VladikNeVladik/NBD-Server/internal/nrt"
	"github.com/VladikNeVladik/NBD-Server/internal/receiver"
	"github.com/VladikNeVladik/NBD-Server/internal/scr"
	"github.com/VladikNeVladik/NBD-Server/internal/sender"
	"github.com/VladikNeVladik/NBD-Server/internal/sockopt"
)

// Logger is the public logging surface; satisfied by *logging.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Options configures a Session.
type Options struct {
	// Context for cancellation; defaults to context.Background().
	Context context.Context

	// ExportName is the name advertised and matched during negotiation.
	ExportName string

	// Logger receives operational log lines; nil disables logging.
	Logger Logger

	// Observer receives per-op metrics; nil defaults to a MetricsObserver
	// backed by a fresh Metrics instance.
	Observer Observer
}

// Session represents one accepted NBD client connection, running its own
// Receiver/Sender goroutine pair against a shared export (spec.md §2, §5).
type Session struct {
	conn    net.Conn
	exp     *export.Export
	ring    scr.Ring
	iotTbl  *iot.Table
	nrtTbl  *nrt.Table
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// Serve opens exportPath, listens on addr, and accepts NBD client
// connections one at a time — this server is single-client, single-export
// per spec.md's Non-goals. Serve blocks until ctx is cancelled or the
// listener fails; a session already in progress when ctx is cancelled runs
// until it ends.
func Serve(ctx context.Context, addr string, exportPath string, readOnly bool, options *Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	exportName := options.ExportName
	if exportName == "" {
		exportName = "default"
	}

	exp, err := export.Open(exportPath, readOnly)
	if err != nil {
		return WrapError("serve", err)
	}
	defer exp.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapError("serve", err)
	}
	defer ln.Close()

	// Closing the listener is what unblocks Accept once ctx is cancelled.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if options.Logger != nil {
		options.Logger.Printf("nbd: serving %s on %s (export=%q readonly=%v)", exportPath, addr, exportName, readOnly)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return WrapError("serve: accept", err)
			}
		}

		if err := handleConn(ctx, conn, exp, exportName, options); err != nil {
			if options.Logger != nil {
				options.Logger.Printf("nbd: session ended: %v", err)
			}
		}
	}
}

func handleConn(ctx context.Context, conn net.Conn, exp *export.Export, exportName string, options *Options) error {
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		if err := sockopt.Configure(tcpConn); err != nil {
			return WrapError("sockopt.Configure", err)
		}
	}

	result, err := negotiate.Negotiate(conn, exportName, exp)
	if err != nil {
		return WrapError("negotiate", err)
	}

	s, err := newSession(ctx, conn, exp, options)
	if err != nil {
		return err
	}

	// s.run closes both the conn and the ring itself once both tasks have
	// exited (see run's comment on hard-disconnect unblocking), so there is
	// nothing left to tear down here.
	return s.run(result.StructuredReply, options)
}

// newRing constructs the SCR for a session; overridden in tests to avoid
// depending on a real io_uring instance being available.
var newRing = scr.New

func newSession(ctx context.Context, conn net.Conn, exp *export.Export, options *Options) (*Session, error) {
	sessCtx, cancel := context.WithCancel(ctx)

	iotTbl := iot.New()
	nrtTbl := nrt.New()

	ring, err := newRing(scr.Config{
		Entries:  constants.MaxIO,
		ExportFD: exp.Fd(),
		Buffers:  iotTbl.Buffers(),
	})
	if err != nil {
		cancel()
		return nil, WrapError("scr.New", err)
	}

	metrics := NewMetrics()
	return &Session{
		conn:    conn,
		exp:     exp,
		ring:    ring,
		iotTbl:  iotTbl,
		nrtTbl:  nrtTbl,
		metrics: metrics,
		ctx:     sessCtx,
		cancel:  cancel,
	}, nil
}

// run drives the Receiver and Sender tasks to completion (spec.md §5's
// two-stage task model): the Receiver reads and submits, the Sender drains
// completions and replies, and the session ends when both return.
func (s *Session) run(structuredReply bool, options *Options) error {
	defer s.cancel()

	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(s.metrics)
	}

	var logger interfaces.Logger
	if options.Logger != nil {
		logger = loggerAdapter{options.Logger}
	}

	shutdown := &atomic.Bool{}

	r := receiver.New(bufiox.NewDefaultReader(s.conn), s.iotTbl, s.nrtTbl, s.ring, s.exp.ReadOnly(), shutdown, logger, observer)
	snd := sender.New(bufiox.NewDefaultWriter(s.conn), s.iotTbl, s.nrtTbl, s.ring, structuredReply, shutdown, logger, observer)

	errCh := make(chan error, 2)
	go func() { errCh <- r.Run(s.ctx) }()
	go func() { errCh <- snd.Run() }()

	// On a clean soft disconnect the Receiver returns nil well before the
	// Sender has drained the NRT (spec.md §4.5 step 6) — the Sender must be
	// left alone to finish naturally. Only a hard disconnect (non-nil
	// error) needs forcing: the Receiver only blocks on conn reads and cell
	// acquisition, the Sender only on ring completions, and neither wakes
	// the other on its own, so whichever task is still parked must be
	// unblocked by closing the conn and the ring out from under it
	// (spec.md §6 "Cancellation & timeouts": hard disconnects terminate the
	// session immediately).
	firstErr := <-errCh
	if firstErr != nil {
		s.conn.Close()
		s.ring.Close()
	}
	secondErr := <-errCh
	if firstErr == nil {
		// Neither task forced the other's hand; both exited on their own,
		// so this is the first and only close.
		firstErr = secondErr
		s.conn.Close()
		s.ring.Close()
	}

	s.metrics.Stop()
	if firstErr != nil {
		return fmt.Errorf("session: %w", firstErr)
	}
	return nil
}

// MetricsSnapshot returns a point-in-time view of the session's metrics.
func (s *Session) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// loggerAdapter satisfies internal/interfaces.Logger from the public
// Logger, so internal packages never import the root package.
type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Printf(format string, args ...interface{}) { a.l.Printf(format, args...) }
func (a loggerAdapter) Debugf(format string, args ...interface{}) { a.l.Debugf(format, args...) }

