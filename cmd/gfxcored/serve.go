package gfxcored

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/bulkcomp"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/capture/portal"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/channelsm"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/encoder/gstbackend"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/frame"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264/swbackend"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/session"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/transport"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/transport/wsdebug"
)

type serveFlags struct {
	listen       string
	width        int
	height       int
	fps          float64
	dualStream   bool
	compression  string
	gstEncoder   bool
	maxInFlight  int
	capture      string
}

func newServeCmd() *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the graphics pipeline against a debug WebSocket transport",
		Long: "Runs the full capture-to-wire pipeline, writing wrapped RDPGFX PDUs to a " +
			"debug WebSocket client instead of a real RDP dynamic virtual channel. Useful for " +
			"local inspection of the PDU stream without a full RDP stack attached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.listen, "listen", ":9877", "HTTP listen address for the debug WebSocket endpoint")
	flags.IntVar(&f.width, "width", 1280, "display width")
	flags.IntVar(&f.height, "height", 720, "display height")
	flags.Float64Var(&f.fps, "fps", 30, "target frame rate, used for H.264 level selection")
	flags.BoolVar(&f.dualStream, "dual-stream", false, "use the AVC444 main+auxiliary premium path")
	flags.StringVar(&f.compression, "compression", "auto", "bulk-compression policy: never, auto, always")
	flags.BoolVar(&f.gstEncoder, "gst-encoder", false, "use the GStreamer-backed H.264 encoder instead of the pure-Go reference backend")
	flags.IntVar(&f.maxInFlight, "max-in-flight", 3, "outstanding-frame backpressure depth")
	flags.StringVar(&f.capture, "capture", "synthetic", "frame source: synthetic (placeholder) or portal (GNOME RemoteDesktop/ScreenCast via PipeWire)")

	return cmd
}

func parseCompressionPolicy(s string) (bulkcomp.Policy, error) {
	switch s {
	case "never":
		return bulkcomp.PolicyNever, nil
	case "auto":
		return bulkcomp.PolicyAuto, nil
	case "always":
		return bulkcomp.PolicyAlways, nil
	default:
		return 0, fmt.Errorf("unknown compression policy %q (want never, auto, or always)", s)
	}
}

func runServe(ctx context.Context, f *serveFlags) error {
	policy, err := parseCompressionPolicy(f.compression)
	if err != nil {
		return err
	}

	logger := slog.Default()
	log.Info().Str("listen", f.listen).Int("width", f.width).Int("height", f.height).
		Bool("dual_stream", f.dualStream).Msg("gfxcored: starting serve")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	connCh := make(chan *websocket.Conn, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/gfx", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("gfxcored: websocket upgrade failed", "err", err)
			return
		}
		select {
		case connCh <- conn:
		default:
			conn.Close()
		}
	})

	srv := &http.Server{Addr: f.listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gfxcored: debug HTTP server failed")
		}
	}()
	defer srv.Shutdown(context.Background())

	logger.Info("gfxcored: waiting for a debug WebSocket client", "url", "ws://"+f.listen+"/gfx")
	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	sink := wsdebug.New(conn)
	defer sink.Close()

	backendFactory := newBackendFactory(f.gstEncoder)
	src, closeCapture, err := newCaptureSource(ctx, f, logger)
	if err != nil {
		return fmt.Errorf("gfxcored: capture source: %w", err)
	}
	defer closeCapture()

	sess := session.New(session.Config{
		Logger:            logger,
		FrameRate:         f.fps,
		Matrix:            colorconv.MatrixBT709Limited,
		DualStream:        f.dualStream,
		CompressionPolicy: policy,
		TransportConfig:   transportConfigFor(f.maxInFlight),
		NewBackend:        backendFactory,
	}, src, sink)

	clientSets := []channelsm.CapabilitySet{
		{Version: channelsm.CapVersion81, Flags: channelsm.CapsFlagAVC420Enabled},
	}
	if f.dualStream {
		clientSets = append(clientSets, channelsm.CapabilitySet{Version: channelsm.CapVersion10})
	}
	if _, err := sess.Negotiate(clientSets); err != nil {
		return fmt.Errorf("gfxcored: negotiate: %w", err)
	}

	go sess.RunAckLoop(ctx)
	go readAcks(ctx, conn, sess, logger)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / f.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("gfxcored: shutting down")
			return sess.Close()
		case <-ticker.C:
			if _, err := sess.PumpOnce(); err != nil {
				logger.Warn("gfxcored: pipeline error", "err", err)
			}
		}
	}
}

// readAcks routes inbound acknowledgements from the debug WebSocket
// connection. A message carrying a full RDPGFX_FRAME_ACKNOWLEDGE_PDU is
// decoded as such; a bare 4-byte little-endian frame ID is also accepted
// so a trivial debug client doesn't need to build real PDUs.
func readAcks(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("gfxcored: ack reader stopped", "err", err)
			return
		}
		switch {
		case len(msg) >= 20:
			sess.HandleAckPDU(msg)
		case len(msg) >= 4:
			frameID := uint32(msg[0]) | uint32(msg[1])<<8 | uint32(msg[2])<<16 | uint32(msg[3])<<24
			sess.HandleAck(frameID)
		}
	}
}

func transportConfigFor(maxInFlight int) transport.Config {
	return transport.Config{
		MaxOutstandingFrames: int64(maxInFlight),
		AckTimeout:           5 * time.Second,
	}
}

// newCaptureSource builds the frame.Source named by f.capture. "portal"
// negotiates a GNOME RemoteDesktop/ScreenCast D-Bus session and reads its
// PipeWire node directly via go-gst's pipewiresrc; "synthetic" (the
// default) uses the placeholder color-cycling source for environments
// without a live Wayland session. The returned close func is always safe
// to call, even for the synthetic source.
func newCaptureSource(ctx context.Context, f *serveFlags, logger *slog.Logger) (frame.Source, func(), error) {
	switch f.capture {
	case "", "synthetic":
		return newSyntheticSource(f.width, f.height, f.fps), func() {}, nil
	case "portal":
		return newPortalSource(ctx, f, logger)
	default:
		return nil, nil, fmt.Errorf("unknown --capture value %q (want synthetic or portal)", f.capture)
	}
}

func newPortalSource(ctx context.Context, f *serveFlags, logger *slog.Logger) (frame.Source, func(), error) {
	conn, err := portal.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to portal bus: %w", err)
	}

	portalSession, err := portal.NewSession(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("negotiate ScreenCast session: %w", err)
	}

	pwCapture, err := portal.OpenCapture(ctx, portalSession, portal.CaptureConfig{
		Width: f.width, Height: f.height, FrameRate: f.fps, Logger: logger,
	})
	if err != nil {
		portalSession.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("open pipewire capture: %w", err)
	}

	closeFn := func() {
		pwCapture.Close()
		portalSession.Close()
		conn.Close()
	}
	return pwCapture.Source(), closeFn, nil
}

func newBackendFactory(useGst bool) session.BackendFactory {
	return func(width, height int, level h264.Level, matrix colorconv.Matrix) (h264.Backend, error) {
		if useGst {
			return gstbackend.New(gstbackend.Config{Width: width, Height: height, FrameRate: 30}), nil
		}
		return swbackend.New(swbackend.Config{
			Width: width, Height: height, Level: level, Profile: h264.ProfileBaseline,
		}), nil
	}
}

// syntheticSource is a placeholder frame.Source standing in for the
// compositor-provided screen-share channel, which lives outside this
// core. It produces a slowly color-cycling BGRA frame so the damage
// tracker, encoder, and auxiliary omission controller all have real,
// partially-changing input to drive against without requiring a live
// Wayland session.
type syntheticSource struct {
	width, height int
	frameInterval time.Duration
	lastEmit      time.Time
	tick          atomic.Uint64
}

func newSyntheticSource(width, height int, fps float64) *syntheticSource {
	return &syntheticSource{width: width, height: height, frameInterval: time.Duration(float64(time.Second) / fps)}
}

func (s *syntheticSource) Pull() (*frame.Frame, bool) {
	now := time.Now()
	if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < s.frameInterval {
		return nil, false
	}
	s.lastEmit = now
	n := s.tick.Add(1)

	stride := s.width * 4
	buf := make([]byte, stride*s.height)
	shade := byte(n % 64)
	for i := 0; i < len(buf); i += 4 {
		buf[i], buf[i+1], buf[i+2], buf[i+3] = shade, shade/2, shade/4, 0xFF
	}
	return &frame.Frame{
		TimestampUs: time.Now().UnixMicro(),
		Width:       s.width,
		Height:      s.height,
		StrideBytes: stride,
		Format:      frame.PixelFormatBGRA32,
		Buf:         buf,
	}, true
}
