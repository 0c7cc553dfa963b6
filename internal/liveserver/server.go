package liveserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxglove/foxglove-sdk-sub001/internal/bus"
	"github.com/foxglove/foxglove-sdk-sub001/internal/channel"
	bsErrors "github.com/foxglove/foxglove-sdk-sub001/internal/errors"
	"github.com/foxglove/foxglove-sdk-sub001/internal/listener"
	"github.com/foxglove/foxglove-sdk-sub001/internal/logger"
	"github.com/foxglove/foxglove-sdk-sub001/internal/playback"
	"github.com/foxglove/foxglove-sdk-sub001/internal/rpc"
	"github.com/foxglove/foxglove-sdk-sub001/internal/schema"
	"github.com/foxglove/foxglove-sdk-sub001/internal/wsprotocol"
)

// defaultSubprotocol is the WebSocket subprotocol name clients negotiate
// to select this wire protocol when Config.Subprotocol is empty.
const defaultSubprotocol = "foxglove.sdk.v1"

// Config holds LiveServer configuration knobs, grounded on the
// teacher's server.Config / applyDefaults shape (internal/rtmp/server/server.go).
type Config struct {
	ListenAddr        string
	Name              string
	Metadata          map[string]string
	SupportedEncodings []string
	Subprotocol       string
	LogLevel          string
	HandshakeTimeout  time.Duration
	SendQueueCapacity int
	AsyncConcurrency  int64
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.Name == "" {
		c.Name = "foxglove-bridge"
	}
	if c.Subprotocol == "" {
		c.Subprotocol = defaultSubprotocol
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendQueueCapacity == 0 {
		c.SendQueueCapacity = defaultSendQueueCapacity
	}
	if c.AsyncConcurrency == 0 {
		c.AsyncConcurrency = 10
	}
}

// LiveServer accepts WebSocket connections speaking the live protocol and
// bridges them to a shared bus.Context, an application-supplied
// listener.Listener, an rpc.Registry of callable services, and an
// optional playback.Controller — grounded on the teacher's
// Config/New/Start/Stop/acceptLoop server shape (internal/rtmp/server/server.go),
// adapted from a raw TCP accept loop to an HTTP+WebSocket upgrade loop.
type LiveServer struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	busCtx   *bus.Context
	lst      listener.Listener
	services *rpc.Registry
	pool     *listener.Pool
	pc       *playback.Controller

	mu           sync.RWMutex
	ln           net.Listener
	httpServer   *http.Server
	sessions     map[string]*ClientSession
	closing      bool
	acceptingWg  sync.WaitGroup
	nextStatusID uint64
}

// New creates an unstarted LiveServer. lst may be listener.NopListener{}
// if the host doesn't care about client activity callbacks; pc may be
// nil to omit playback support entirely (no "time" capability, no 0x03
// playback control requests honored, no 0x05 playback state frames sent).
func New(cfg Config, busCtx *bus.Context, lst listener.Listener, services *rpc.Registry, pc *playback.Controller) *LiveServer {
	cfg.applyDefaults()
	if lst == nil {
		lst = listener.NopListener{}
	}
	if services == nil {
		services = rpc.NewRegistry()
	}
	return &LiveServer{
		cfg:      cfg,
		log:      logger.Logger().With("component", "liveserver"),
		busCtx:   busCtx,
		lst:      lst,
		services: services,
		pool:     listener.NewPool(cfg.AsyncConcurrency, logger.Logger()),
		pc:       pc,
		sessions: make(map[string]*ClientSession),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{cfg.Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start begins listening and serving upgrade requests. Safe to call only
// once.
func (s *LiveServer) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("liveserver already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ServeHTTP)
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.log.Info("live server listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.serveLoop()
	return nil
}

func (s *LiveServer) serveLoop() {
	defer s.acceptingWg.Done()
	s.mu.RLock()
	srv, ln := s.httpServer, s.ln
	s.mu.RUnlock()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.RLock()
		closing := s.closing
		s.mu.RUnlock()
		if !closing {
			s.log.Warn("serve error", "error", err)
		}
	}
}

// Stop gracefully shuts down the server: stops accepting new connections,
// terminates every active session, and waits for the serve loop to exit.
func (s *LiveServer) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	srv := s.httpServer
	s.ln = nil
	sessions := s.sessionSnapshotLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	for _, sess := range sessions {
		sess.terminate()
		_ = sess.conn.Close()
	}

	s.acceptingWg.Wait()
	s.log.Info("live server stopped")
	return nil
}

// Addr returns the bound listener address, or nil if not started.
func (s *LiveServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SessionCount returns the number of currently active sessions.
func (s *LiveServer) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ServeHTTP upgrades the request to a WebSocket and runs the session to
// completion. Exported so a host can mount LiveServer on its own mux
// instead of calling Start, grounded on the teacher's wsflv.Handler
// upgrade pattern (_examples/vinq1911-nonchalant/internal/svc/wsflv/handler.go).
func (s *LiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.handleConn(conn)
}

func (s *LiveServer) handleConn(conn *websocket.Conn) {
	sinkID := bus.NextSinkID()
	id := fmt.Sprintf("sess-%d", sinkID)
	sess := newSession(id, sinkID, conn, s.busCtx, s.pc, s.cfg.SendQueueCapacity)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		sess.terminate()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sess.setState(StateActive)

	if err := sess.SendJSON(wsprotocol.OpServerInfo, wsprotocol.ServerInfo{
		Name:               s.cfg.Name,
		Capabilities:       s.capabilities(),
		SupportedEncodings: s.cfg.SupportedEncodings,
		Metadata:           s.cfg.Metadata,
		SessionID:          id,
	}); err != nil {
		sess.log.Warn("failed to send serverInfo", "err", err)
		return
	}
	s.busCtx.AddSink(sess)
	if svcs := s.services.Services(); len(svcs) > 0 {
		infos := make([]wsprotocol.ServiceInfo, 0, len(svcs))
		for _, svc := range svcs {
			infos = append(infos, wsprotocol.ServiceInfo{
				ID: svc.ID, Name: svc.Name, Type: svc.Type,
				RequestSchema: svc.RequestSchema, ResponseSchema: svc.ResponseSchema,
			})
		}
		_ = sess.SendJSON(wsprotocol.OpAdvertiseServices, wsprotocol.AdvertiseServices{Services: infos})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(sess)
	}()

	s.readPump(sess)
	sess.cancel()
	wg.Wait()
}

// capabilities computes the serverInfo capability list from what this
// LiveServer actually wires, per SPEC_FULL.md's resolution of the
// capabilities Open Question: "time" only appears when a
// playback.Controller is attached.
func (s *LiveServer) capabilities() []string {
	caps := []string{"clientPublish", "parameters", "parametersSubscribe", "services", "connectionGraph", "assets"}
	if s.pc != nil {
		caps = append(caps, "time")
	}
	return caps
}

// writePump drains the control queue (priority) and data queue, writing
// each frame to the wire, until the session's context is cancelled —
// grounded on the teacher's Connection.startWriteLoop
// (internal/rtmp/conn/conn.go).
func (s *LiveServer) writePump(sess *ClientSession) {
	for {
		select {
		case frame := <-sess.controlQueue:
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-sess.ctx.Done():
			return
		default:
		}

		select {
		case frame := <-sess.controlQueue:
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-sess.dataQueue:
			if err := sess.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// readPump reads frames off the wire and dispatches them until the
// connection errors or the session is terminated — grounded on the
// teacher's Connection.startReadLoop.
func (s *LiveServer) readPump(sess *ClientSession) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
		}
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Time{})
		switch messageType {
		case websocket.BinaryMessage:
			s.dispatchBinary(sess, data)
		case websocket.TextMessage:
			s.dispatchJSON(sess, data)
		}
	}
}

func (s *LiveServer) dispatchBinary(sess *ClientSession, data []byte) {
	msg, err := wsprotocol.DecodeClientFrame(data)
	if err != nil {
		if bsErrors.IsProtocolError(err) {
			sess.log.Warn("protocol error, terminating session", "err", err)
			sess.cancel()
			return
		}
		sess.log.Warn("failed to decode binary frame", "err", err)
		return
	}
	switch v := msg.(type) {
	case wsprotocol.ClientMessageData:
		s.lst.OnMessageData(sess.id, v.ClientChannelID, v.Payload, v.LogTimeNs)
	case wsprotocol.ServiceCallRequest:
		s.handleServiceCall(sess, v)
	case wsprotocol.PlaybackControlRequest:
		s.handlePlaybackControl(sess, v)
	}
}

func (s *LiveServer) handleServiceCall(sess *ClientSession, req wsprotocol.ServiceCallRequest) {
	_ = s.pool.Dispatch(sess.ctx, "serviceCall", func() {
		resp, err := s.services.Dispatch(sess.ctx, req.ServiceID, req.Payload)
		if err != nil {
			_ = sess.SendJSON(wsprotocol.OpServiceCallFailure, wsprotocol.ServiceCallFailure{
				ServiceID: req.ServiceID,
				CallID:    req.CallID,
				Message:   err.Error(),
			})
			return
		}
		frame := wsprotocol.EncodeServiceCallResponse(wsprotocol.ServiceCallResponse{
			ServiceID: req.ServiceID,
			CallID:    req.CallID,
			Encoding:  req.Encoding,
			Payload:   resp,
		})
		_ = sess.SendBinary(frame)
	})
}

func (s *LiveServer) handlePlaybackControl(sess *ClientSession, req wsprotocol.PlaybackControlRequest) {
	if s.pc == nil {
		return
	}
	reqID := req.RequestID
	if req.SeekTimeNs != nil {
		s.pc.Seek(*req.SeekTimeNs, reqID)
	}
	s.pc.SetSpeed(req.Speed, reqID)
	switch req.Command {
	case wsprotocol.PlaybackCommandPlay:
		s.pc.Play(reqID)
	case wsprotocol.PlaybackCommandPause:
		s.pc.Pause(reqID)
	}
}

func (s *LiveServer) dispatchJSON(sess *ClientSession, data []byte) {
	msg, err := wsprotocol.DecodeClientJSON(data)
	if err != nil {
		_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
			Level: wsprotocol.StatusLevelError, Message: err.Error(),
		})
		if bsErrors.IsProtocolError(err) {
			sess.log.Warn("protocol error, terminating session", "err", err)
			sess.cancel()
		}
		return
	}
	switch v := msg.(type) {
	case wsprotocol.Subscribe:
		s.handleSubscribe(sess, v)
	case wsprotocol.Unsubscribe:
		for _, id := range v.SubscriptionIDs {
			if chID, ok := sess.Unsubscribe(id); ok {
				s.lst.OnUnsubscribe(sess.id, uint64(chID))
			}
		}
	case wsprotocol.ClientAdvertise:
		s.handleClientAdvertise(sess, v)
	case wsprotocol.ClientUnadvertise:
		for _, id := range v.ChannelIDs {
			cid := uint32(id)
			if sess.UnadvertiseClientChannel(cid) {
				s.lst.OnClientUnadvertise(sess.id, cid)
			}
		}
	case wsprotocol.GetParameters:
		params := s.lst.OnGetParameters(sess.id, v.ParameterNames)
		_ = sess.SendJSON(wsprotocol.OpParameterValues, wsprotocol.ParameterValues{
			Parameters: toWireParameters(params), ID: v.ID,
		})
	case wsprotocol.SetParameters:
		updated := s.lst.OnSetParameters(sess.id, fromWireParameters(v.Parameters))
		_ = sess.SendJSON(wsprotocol.OpParameterValues, wsprotocol.ParameterValues{
			Parameters: toWireParameters(updated), ID: v.ID,
		})
	case wsprotocol.SubscribeParameterUpdates:
		for _, name := range v.ParameterNames {
			sess.SetParameterSubscription(name, true)
		}
	case wsprotocol.UnsubscribeParameterUpdates:
		for _, name := range v.ParameterNames {
			sess.SetParameterSubscription(name, false)
		}
	case wsprotocol.SubscribeConnectionGraph:
		sess.SetConnectionGraphSubscribed(true)
		s.lst.OnConnectionGraphSubscribe(sess.id)
	case wsprotocol.UnsubscribeConnectionGraph:
		sess.SetConnectionGraphSubscribed(false)
		s.lst.OnConnectionGraphUnsubscribe(sess.id)
	case wsprotocol.FetchAsset:
		s.handleFetchAsset(sess, v)
	}
}

func (s *LiveServer) handleSubscribe(sess *ClientSession, v wsprotocol.Subscribe) {
	for _, sub := range v.Subscriptions {
		chID := channel.ID(sub.ChannelID)
		if s.busCtx.Channel(chID) == nil {
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level:   wsprotocol.StatusLevelWarning,
				Message: fmt.Sprintf("unknown channel id %d", sub.ChannelID),
			})
			continue
		}
		if !sess.Subscribe(sub.ID, chID) {
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level:   wsprotocol.StatusLevelError,
				Message: fmt.Sprintf("subscription id %d already in use", sub.ID),
			})
			continue
		}
		s.lst.OnSubscribe(sess.id, sub.ChannelID)
	}
}

func (s *LiveServer) handleClientAdvertise(sess *ClientSession, v wsprotocol.ClientAdvertise) {
	for _, ci := range v.Channels {
		schemaBytes, err := wsprotocol.DecodeSchemaBytes(ci.SchemaEncoding, ci.Schema)
		if err != nil {
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level:   wsprotocol.StatusLevelError,
				Message: fmt.Sprintf("invalid schema bytes for channel %d: %v", ci.ID, err),
			})
			continue
		}
		cc := listener.ClientChannel{
			ID: uint32(ci.ID), Topic: ci.Topic, Encoding: ci.Encoding,
			SchemaName: ci.SchemaName, SchemaEncoding: ci.SchemaEncoding, Schema: schemaBytes,
		}
		if schema.RequiresSchema(cc.Encoding) && len(cc.Schema) == 0 {
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level:   wsprotocol.StatusLevelError,
				Message: fmt.Sprintf("schema required for encoding %q", cc.Encoding),
			})
			continue
		}
		if err := sess.AdvertiseClientChannel(cc); err != nil {
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level: wsprotocol.StatusLevelError, Message: err.Error(),
			})
			continue
		}
		if err := s.lst.OnClientAdvertise(sess.id, cc); err != nil {
			sess.UnadvertiseClientChannel(cc.ID)
			_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{
				Level: wsprotocol.StatusLevelError, Message: err.Error(),
			})
		}
	}
}

func (s *LiveServer) handleFetchAsset(sess *ClientSession, v wsprotocol.FetchAsset) {
	_ = s.pool.Dispatch(sess.ctx, "fetchAsset", func() {
		asset, err := s.lst.OnFetchAsset(sess.id, v.URI)
		resp := wsprotocol.FetchAssetResponse{RequestID: v.RequestID}
		if err != nil {
			resp.Status = wsprotocol.FetchAssetStatusError
			resp.Err = err.Error()
		} else {
			resp.Status = wsprotocol.FetchAssetStatusSuccess
			resp.Asset = asset
		}
		_ = sess.SendBinary(wsprotocol.EncodeFetchAssetResponse(resp))
	})
}

// BroadcastStatus sends a status message to every connected session and
// returns the monotonic id assigned to it, so a caller can later retract
// it with RemoveStatus — grounded in original_source's remove_status.rs
// retraction model (see SPEC_FULL.md §12).
func (s *LiveServer) BroadcastStatus(level wsprotocol.StatusLevel, message string) string {
	s.mu.Lock()
	s.nextStatusID++
	id := fmt.Sprintf("status-%d", s.nextStatusID)
	sessions := s.sessionSnapshotLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.SendJSON(wsprotocol.OpStatus, wsprotocol.Status{Level: level, Message: message, ID: id})
	}
	return id
}

// RemoveStatus tells every connected session to retract previously sent
// status entries by id.
func (s *LiveServer) RemoveStatus(ids ...string) {
	s.mu.Lock()
	sessions := s.sessionSnapshotLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.SendJSON(wsprotocol.OpRemoveStatus, wsprotocol.RemoveStatus{StatusIDs: ids})
	}
}

// BroadcastConnectionGraphUpdate sends an incremental connection graph
// diff to every session that subscribed via subscribeConnectionGraph.
func (s *LiveServer) BroadcastConnectionGraphUpdate(update wsprotocol.ConnectionGraphUpdate) {
	s.mu.Lock()
	sessions := s.sessionSnapshotLocked()
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.WantsConnectionGraph() {
			_ = sess.SendJSON(wsprotocol.OpConnectionGraphUpdate, update)
		}
	}
}

// sessionSnapshotLocked returns the current sessions as a slice. Callers
// must hold s.mu.
func (s *LiveServer) sessionSnapshotLocked() []*ClientSession {
	out := make([]*ClientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func toWireParameters(params []listener.Parameter) []wsprotocol.Parameter {
	out := make([]wsprotocol.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, wsprotocol.Parameter{Name: p.Name, Value: p.Value, Type: p.Type})
	}
	return out
}

func fromWireParameters(params []wsprotocol.Parameter) []listener.Parameter {
	out := make([]listener.Parameter, 0, len(params))
	for _, p := range params {
		out = append(out, listener.Parameter{Name: p.Name, Value: p.Value, Type: p.Type})
	}
	return out
}
