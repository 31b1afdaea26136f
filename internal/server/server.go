// Package server implements the embedded DG-Lab V3 WebSocket hub. The
// official app dials in over WebSocket and binds to a locally registered
// terminal by the client id carried in the scanned QR payload; the hub then
// relays control messages terminal→app and feedback app→terminal, and keeps
// the link alive with a fixed-cadence heartbeat broadcast.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/srg/coyote/internal/protocol"
)

const (
	appSendQueue  = 64
	writeTimeout  = 5 * time.Second
	eventCapacity = 128
)

// ErrNotRunning indicates an operation on a hub that was never started or was
// already stopped.
var ErrNotRunning = errors.New("hub is not running")

// appConn tracks a single app-side WebSocket connection.
type appConn struct {
	id        string
	ws        *websocket.Conn
	sendCh    chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (a *appConn) close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Server is the WebSocket hub terminals and apps meet on.
type Server struct {
	addr      string
	heartbeat time.Duration
	logger    *logrus.Logger

	terminals *hashmap.Map[string, *Terminal]
	apps      *hashmap.Map[string, *appConn]

	runMutex   sync.RWMutex
	isRunning  bool
	httpSrv    *http.Server
	boundAddr  string
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a hub listening on addr once started. A heartbeat of zero
// disables the keepalive broadcast.
func NewServer(addr string, heartbeat time.Duration, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		addr:      addr,
		heartbeat: heartbeat,
		logger:    logger,
		terminals: hashmap.New[string, *Terminal](),
		apps:      hashmap.New[string, *appConn](),
	}
}

// Start binds the listener and begins accepting app connections in the
// background. It returns once the listener is bound. ctx bounds the listener
// setup only; accepted connections live until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("hub is already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.boundAddr = listener.Addr().String()

	// Connection contexts are tied to the hub's own lifetime, not to the
	// caller's setup context.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s.baseCancel = baseCancel
	s.httpSrv = &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return baseCtx }}
	s.stopCh = make(chan struct{})
	s.isRunning = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Hub serve loop exited")
		}
	}()

	if s.heartbeat > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	s.logger.WithField("addr", s.boundAddr).Info("DG-Lab hub started")
	return nil
}

// Stop closes every app connection, terminates the heartbeat loop and shuts
// the listener down. Terminal event streams are closed so their consumers
// drain and exit.
func (s *Server) Stop(ctx context.Context) error {
	s.runMutex.Lock()
	if !s.isRunning {
		s.runMutex.Unlock()
		return nil
	}
	s.isRunning = false
	close(s.stopCh)
	s.baseCancel()
	s.runMutex.Unlock()

	s.apps.Range(func(_ string, app *appConn) bool {
		app.close()
		_ = app.ws.Close(websocket.StatusGoingAway, "hub shutting down")
		return true
	})

	var err error
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	}

	s.wg.Wait()

	s.terminals.Range(func(id string, t *Terminal) bool {
		t.shutdown()
		s.terminals.Del(id)
		return true
	})

	s.logger.Info("DG-Lab hub stopped")
	return err
}

// IsRunning returns whether the hub is accepting connections.
func (s *Server) IsRunning() bool {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	return s.isRunning
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.runMutex.RLock()
	defer s.runMutex.RUnlock()
	return s.boundAddr
}

// NewTerminal registers a local terminal on the hub and returns it. The
// terminal's client id is what the app binds against.
func (s *Server) NewTerminal() *Terminal {
	t := newTerminal(uuid.NewString(), s)
	s.terminals.Set(t.ClientID(), t)
	s.logger.WithField("client_id", t.ClientID()).Info("Registered local terminal")
	return t
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// The official app is not a browser and sends no Origin header; skip the
	// browser-origin check entirely.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket accept failed")
		return
	}

	app := &appConn{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan protocol.Message, appSendQueue),
		done:   make(chan struct{}),
	}
	s.apps.Set(app.id, app)
	s.logger.WithField("app_id", app.id).Info("App connected")

	go s.writeLoop(app)

	// Tell the peer its assigned id, per the V3 handshake.
	s.enqueue(app, protocol.Message{Type: protocol.TypeBind, ClientID: app.id, Message: "targetId"})

	s.readLoop(r.Context(), app)

	// Cleanup after the read loop returns.
	app.close()
	s.apps.Del(app.id)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.dropAppBindings(app.id)
	s.logger.WithField("app_id", app.id).Info("App disconnected")
}

func (s *Server) readLoop(ctx context.Context, app *appConn) {
	for {
		select {
		case <-app.done:
			return
		default:
		}

		var msg protocol.Message
		if err := wsjson.Read(ctx, app.ws, &msg); err != nil {
			return
		}
		s.dispatch(app, msg)
	}
}

func (s *Server) writeLoop(app *appConn) {
	for {
		select {
		case <-app.done:
			return
		case msg := <-app.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, app.ws, msg)
			cancel()
			if err != nil {
				s.logger.WithError(err).WithField("app_id", app.id).Warn("App write failed")
				return
			}
		}
	}
}

// dispatch routes one inbound app message.
func (s *Server) dispatch(app *appConn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeBind:
		s.handleBind(app, msg)
	case protocol.TypeMsg, protocol.TypeHeartbeat:
		s.relayToTerminal(app, msg)
	case protocol.TypeBreak:
		s.relayToTerminal(app, msg)
	default:
		s.logger.WithFields(logrus.Fields{
			"app_id": app.id,
			"type":   msg.Type,
		}).Debug("Ignoring unknown message type")
	}
}

// handleBind pairs the app with the terminal named in the scanned QR payload.
func (s *Server) handleBind(app *appConn, msg protocol.Message) {
	term, ok := s.terminals.Get(msg.ClientID)
	if !ok {
		s.enqueue(app, protocol.Message{
			Type:     protocol.TypeBind,
			ClientID: msg.ClientID,
			TargetID: app.id,
			Message:  protocol.RetCodeTargetGone,
		})
		s.logger.WithField("client_id", msg.ClientID).Warn("Bind request for unknown terminal")
		return
	}

	term.bindTo(app.id)
	reply := protocol.Message{
		Type:     protocol.TypeBind,
		ClientID: msg.ClientID,
		TargetID: app.id,
		Message:  protocol.RetCodeSuccess,
	}
	s.enqueue(app, reply)
	term.deliver(reply)
	s.logger.WithFields(logrus.Fields{
		"client_id": msg.ClientID,
		"app_id":    app.id,
	}).Info("App bound to terminal")
}

// relayToTerminal forwards app feedback to the bound terminal's event stream.
func (s *Server) relayToTerminal(app *appConn, msg protocol.Message) {
	delivered := false
	s.terminals.Range(func(_ string, t *Terminal) bool {
		if t.TargetID() == app.id {
			t.deliver(msg)
			delivered = true
			return false
		}
		return true
	})
	if !delivered {
		s.logger.WithField("app_id", app.id).Debug("Dropping message from unbound app")
	}
}

// dropAppBindings unbinds any terminal paired with a vanished app and tells it
// the peer is gone.
func (s *Server) dropAppBindings(appID string) {
	s.terminals.Range(func(_ string, t *Terminal) bool {
		if t.TargetID() == appID {
			t.unbind()
			t.deliver(protocol.Message{
				Type:     protocol.TypeBreak,
				ClientID: t.ClientID(),
				TargetID: appID,
				Message:  protocol.RetCodeClientDisconnected,
			})
		}
		return true
	})
}

// sendToApp queues a terminal-originated message for the app.
func (s *Server) sendToApp(msg protocol.Message) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	app, ok := s.apps.Get(msg.TargetID)
	if !ok {
		return fmt.Errorf("app %s is not connected", msg.TargetID)
	}
	s.enqueue(app, msg)
	return nil
}

func (s *Server) enqueue(app *appConn, msg protocol.Message) {
	select {
	case app.sendCh <- msg:
	default:
		s.logger.WithField("app_id", app.id).Warn("Dropped message for slow app")
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.apps.Range(func(_ string, app *appConn) bool {
				var term *Terminal
				s.terminals.Range(func(_ string, t *Terminal) bool {
					if t.TargetID() == app.id {
						term = t
						return false
					}
					return true
				})
				beat := protocol.Message{
					Type:     protocol.TypeHeartbeat,
					ClientID: app.id,
					Message:  protocol.RetCodeSuccess,
				}
				if term != nil {
					beat.TargetID = term.ClientID()
					// The bound terminal observes the keepalive too.
					term.deliver(beat)
				}
				s.enqueue(app, beat)
				return true
			})
		}
	}
}
