// Package gstbackend implements h264.Backend on top of a GStreamer
// encode pipeline (the element named by Config.Encoder, x264enc by default),
// adapted from the appsrc/appsink push-pull pipeline pattern used
// elsewhere in this codebase for GNOME desktop capture. It is the
// production Backend; swbackend is the pure-Go reference used in tests
// and environments without GStreamer installed.
package gstbackend

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
)

// Config parameterises the GStreamer pipeline.
type Config struct {
	Width, Height int
	FrameRate     float64
	Encoder       string // "x264enc", "vaapih264enc", ...; empty picks x264enc
	Bitrate       uint   // kbps
}

// substreamPipeline is one appsrc->encoder->appsink chain. AVC444's two
// substreams get two independent pipelines (unlike the software backend,
// GStreamer elements aren't safely shareable across two logical streams),
// but Backend still serialises calls the same way so callers see one
// instance either way.
type substreamPipeline struct {
	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink
	frameN   uint64
}

// Backend drives one or two GStreamer pipelines behind the h264.Backend
// interface.
type Backend struct {
	mu        sync.Mutex
	cfg       Config
	pipelines map[h264.Substream]*substreamPipeline
}

// New constructs the pipelines lazily per substream on first use, since an
// AVC420 caller never touches SubstreamAux and shouldn't pay to start it.
func New(cfg Config) *Backend {
	if cfg.Encoder == "" {
		cfg.Encoder = "x264enc"
	}
	return &Backend{cfg: cfg, pipelines: make(map[h264.Substream]*substreamPipeline)}
}

func (b *Backend) pipelineFor(sub h264.Substream) (*substreamPipeline, error) {
	if p, ok := b.pipelines[sub]; ok {
		return p, nil
	}

	desc := fmt.Sprintf(
		"appsrc name=src format=time is-live=true do-timestamp=true ! "+
			"videoparse format=i420 width=%d height=%d framerate=%d/1 ! "+
			"%s tune=zerolatency bitrate=%d key-int-max=300 ! "+
			"video/x-h264,stream-format=byte-stream,alignment=au ! "+
			"appsink name=sink sync=false",
		b.cfg.Width, b.cfg.Height, int(b.cfg.FrameRate), b.cfg.Encoder, b.cfg.Bitrate,
	)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("gstbackend: build pipeline for %s: %w", sub, err)
	}

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, fmt.Errorf("gstbackend: missing appsrc: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("gstbackend: missing appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gstbackend: start pipeline: %w", err)
	}

	p := &substreamPipeline{
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElem),
		sink:     app.SinkFromElement(sinkElem),
	}
	b.pipelines[sub] = p
	return p, nil
}

// Encode implements h264.Backend: push one I420 frame into the substream's
// pipeline and pull the resulting Annex-B access unit back out. Keyframes
// are forced via a force-key-unit pipeline event rather than a parameter
// the encoder element exposes directly.
func (b *Backend) Encode(req h264.EncodeRequest) (h264.EncodedUnit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.pipelineFor(req.Substream)
	if err != nil {
		return h264.EncodedUnit{}, err
	}

	buf := gst.NewBufferWithSize(int64(len(req.Frame.Y.Data) + len(req.Frame.Cb.Data) + len(req.Frame.Cr.Data)))
	buf.Map(gst.MapWrite).WriteData(append(append(append([]byte{}, req.Frame.Y.Data...), req.Frame.Cb.Data...), req.Frame.Cr.Data...))
	buf.Unmap()
	buf.SetDuration(gst.ClockTime(time.Second / time.Duration(maxInt(1, int(b.cfg.FrameRate)))))

	if req.ForceKeyframe {
		forceKeyUnit(p.pipeline, "src")
	}

	if ret := p.src.PushBuffer(buf); ret != gst.FlowOK {
		return h264.EncodedUnit{}, fmt.Errorf("gstbackend: push buffer: flow %v", ret)
	}

	sample, err := p.sink.PullSample()
	if err != nil {
		return h264.EncodedUnit{}, fmt.Errorf("gstbackend: pull sample: %w", err)
	}
	out := sample.GetBuffer().Bytes()
	p.frameN++

	return h264.EncodedUnit{
		Bitstream:  out,
		IsKeyframe: req.ForceKeyframe || p.frameN == 1 || h264.FirstSliceOffset(out) >= 0 && h264.IsKeyframeNAL(firstSlicePayload(out)),
	}, nil
}

// forceKeyUnit asks the encoder for an IDR on the next buffer by sending a
// GstForceKeyUnit downstream custom event, the standard GStreamer
// mechanism encoder elements listen for.
func forceKeyUnit(pipeline *gst.Pipeline, srcName string) {
	structure := gst.NewStructure("GstForceKeyUnit")
	structure.SetValue("all-headers", true)
	event := gst.NewCustomEvent(gst.EventTypeCustomDownstream, structure)
	pipeline.SendEvent(event)
}

func firstSlicePayload(annexB []byte) []byte {
	units := h264.SplitAnnexB(annexB)
	for _, u := range units {
		if u.Type == h264.NALTypeSliceIDR || u.Type == h264.NALTypeSliceNonIDR {
			return u.Payload
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close tears down every pipeline that was started.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, p := range b.pipelines {
		if err := p.pipeline.SetState(gst.StateNull); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
