// Package portal implements the capture-layer collaborator: a thin
// xdg-desktop-portal RemoteDesktop/ScreenCast D-Bus client producing BGRA
// frame.Frames for internal/frame.Source. It never performs color
// conversion, encoding, or protocol work — it holds the D-Bus session
// bookkeeping needed to obtain a PipeWire node, and (capture.go) a
// GStreamer pipewiresrc pipeline that reads frames from that node.
//
// Adapted from the xdg-desktop-portal ScreenCast session negotiation used
// for Sway/wlroots compositors.
package portal

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	portalBus  = "org.freedesktop.portal.Desktop"
	portalPath = "/org/freedesktop/portal/desktop"

	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
)

// Source types and cursor modes understood by org.freedesktop.portal.ScreenCast.
const (
	SourceMonitor uint32 = 1
	SourceWindow  uint32 = 2
	SourceVirtual uint32 = 4

	CursorHidden   uint32 = 1
	CursorEmbedded uint32 = 2
	CursorMetadata uint32 = 4
)

// Session holds one negotiated ScreenCast session: enough to retrieve a
// PipeWire node ID, which OpenCapture turns into raw BGRA frames. Session
// itself never reads PipeWire buffers.
type Session struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	nodeID        uint32
}

// Connect opens the session D-Bus connection and verifies the portal
// service is reachable, retrying briefly since the portal daemon may not
// be up yet when this core starts (compositor startup race).
func Connect(ctx context.Context) (*dbus.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}

		obj := conn.Object(portalBus, portalPath)
		if err := obj.Call("org.freedesktop.DBus.Introspectable.Introspect", 0).Err; err != nil {
			lastErr = err
			conn.Close()
			time.Sleep(time.Second)
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("portal: connect after 30 attempts: %w", lastErr)
}

// NewSession negotiates a ScreenCast session over conn: CreateSession,
// SelectSources (monitor capture, hidden cursor — composited client-side
// by the capture implementation, not this core), and Start. Returns a
// Session exposing the resulting PipeWire node ID.
func NewSession(ctx context.Context, conn *dbus.Conn) (*Session, error) {
	s := &Session{conn: conn}

	handle, err := s.call(ctx, screenCastIface+".CreateSession", "", nil, "session_handle")
	if err != nil {
		return nil, fmt.Errorf("portal: CreateSession: %w", err)
	}
	s.sessionHandle = dbus.ObjectPath(handle)

	sessionPath := s.sessionHandle
	options := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(SourceMonitor),
		"cursor_mode":  dbus.MakeVariant(CursorHidden),
		"persist_mode": dbus.MakeVariant(uint32(0)),
	}
	if _, err := s.callWithArgs(ctx, screenCastIface+".SelectSources", []interface{}{sessionPath, options}, ""); err != nil {
		return nil, fmt.Errorf("portal: SelectSources: %w", err)
	}

	streams, err := s.startAndAwaitStreams(ctx, sessionPath)
	if err != nil {
		return nil, fmt.Errorf("portal: Start: %w", err)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("portal: Start response carried no streams")
	}
	s.nodeID = streams[0]

	return s, nil
}

// NodeID returns the PipeWire node ID an external capture implementation
// should open to receive frames for this session.
func (s *Session) NodeID() uint32 { return s.nodeID }

// Close tears down the portal session.
func (s *Session) Close() error {
	obj := s.conn.Object(portalBus, s.sessionHandle)
	return obj.Call("org.freedesktop.portal.Session.Close", 0).Err
}

// call invokes a portal method expecting a single handle_token-style
// request/response round trip and extracts resultKey from the response.
func (s *Session) call(ctx context.Context, method string, sessionArg interface{}, extraOptions map[string]dbus.Variant, resultKey string) (string, error) {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	options := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}
	for k, v := range extraOptions {
		options[k] = v
	}

	signalChan, cleanup, err := s.subscribeRequest(requestToken)
	if err != nil {
		return "", err
	}
	defer cleanup()

	obj := s.conn.Object(portalBus, portalPath)
	var reqPath dbus.ObjectPath
	var call *dbus.Call
	if sessionArg == "" {
		call = obj.Call(method, 0, options)
	} else {
		call = obj.Call(method, 0, sessionArg, options)
	}
	if err := call.Store(&reqPath); err != nil {
		return "", err
	}

	return s.awaitResponse(ctx, signalChan, resultKey)
}

func (s *Session) callWithArgs(ctx context.Context, method string, args []interface{}, resultKey string) (string, error) {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	options := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}
	full := append(append([]interface{}{}, args...), options)

	signalChan, cleanup, err := s.subscribeRequest(requestToken)
	if err != nil {
		return "", err
	}
	defer cleanup()

	obj := s.conn.Object(portalBus, portalPath)
	var reqPath dbus.ObjectPath
	if err := obj.Call(method, 0, full...).Store(&reqPath); err != nil {
		return "", err
	}

	return s.awaitResponse(ctx, signalChan, resultKey)
}

func (s *Session) startAndAwaitStreams(ctx context.Context, sessionPath dbus.ObjectPath) ([]uint32, error) {
	requestToken := fmt.Sprintf("req_%d", time.Now().UnixNano())
	options := map[string]dbus.Variant{"handle_token": dbus.MakeVariant(requestToken)}

	signalChan, cleanup, err := s.subscribeRequest(requestToken)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	obj := s.conn.Object(portalBus, portalPath)
	var reqPath dbus.ObjectPath
	// parent_window is empty for a headless compositor session.
	if err := obj.Call(screenCastIface+".Start", 0, sessionPath, "", options).Store(&reqPath); err != nil {
		return nil, err
	}

	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig := <-signalChan:
			if sig.Name != requestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, ok := sig.Body[0].(uint32)
			if !ok || response != 0 {
				return nil, fmt.Errorf("portal: Start returned response code %v", sig.Body[0])
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return nil, fmt.Errorf("portal: Start response missing results")
			}
			streamsVariant, ok := results["streams"]
			if !ok {
				return nil, fmt.Errorf("portal: Start response missing streams")
			}
			return parseStreamNodeIDs(streamsVariant), nil
		case <-timeout:
			return nil, fmt.Errorf("portal: timeout waiting for Start response")
		}
	}
}

func parseStreamNodeIDs(v dbus.Variant) []uint32 {
	var ids []uint32
	streams, ok := v.Value().([][]interface{})
	if !ok {
		return ids
	}
	for _, entry := range streams {
		if len(entry) == 0 {
			continue
		}
		if id, ok := entry[0].(uint32); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) subscribeRequest(requestToken string) (chan *dbus.Signal, func(), error) {
	senderPath := sanitizeSenderName(s.conn.Names()[0])
	requestPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", senderPath, requestToken))

	if err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(requestPath),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, nil, fmt.Errorf("add signal match: %w", err)
	}

	signalChan := make(chan *dbus.Signal, 10)
	s.conn.Signal(signalChan)
	return signalChan, func() { s.conn.RemoveSignal(signalChan) }, nil
}

func (s *Session) awaitResponse(ctx context.Context, signalChan chan *dbus.Signal, resultKey string) (string, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case sig := <-signalChan:
			if sig.Name != requestIface+".Response" || len(sig.Body) < 2 {
				continue
			}
			response, ok := sig.Body[0].(uint32)
			if !ok || response != 0 {
				return "", fmt.Errorf("portal: response code %v", sig.Body[0])
			}
			if resultKey == "" {
				return "", nil
			}
			results, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				return "", nil
			}
			if val, ok := results[resultKey]; ok {
				if s, ok := val.Value().(string); ok {
					return s, nil
				}
			}
			return "", nil
		case <-timeout:
			return "", fmt.Errorf("portal: timeout waiting for response")
		}
	}
}

// sanitizeSenderName turns a D-Bus unique name (":1.42") into the path
// segment the portal's per-request object paths use ("1_42").
func sanitizeSenderName(name string) string {
	out := make([]byte, 0, len(name))
	for _, c := range name[1:] { // skip leading ':'
		if c == '.' {
			out = append(out, '_')
		} else {
			out = append(out, byte(c))
		}
	}
	return string(out)
}
