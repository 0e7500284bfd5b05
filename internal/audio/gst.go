package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// GstOpener decodes files through a GStreamer pipeline:
//
//	filesrc → decodebin → audioconvert → audioresample → capsfilter(F32LE mono) → appsink
//
// decodebin exposes its pads dynamically; they are linked in the pad-added callback.
type GstOpener struct {
	Logger *slog.Logger
}

// Open builds and starts the pipeline, then waits briefly for an early error
// so that an undecodable file fails here rather than inside the loop.
func (o *GstOpener) Open(path string, sampleRate, hopSize int) (FrameSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, newLoadError(path, err)
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gst-source")

	gstInit.Do(func() { gst.Init(nil) })

	pipeline, sink, err := buildDecodePipeline(path, sampleRate, logger)
	if err != nil {
		return nil, newLoadError(path, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, newLoadError(path, fmt.Errorf("failed to start pipeline: %w", err))
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			pipeline.SetState(gst.StateNull)
			return nil, newLoadError(path, fmt.Errorf("%s (debug: %s)", gerr.Error(), gerr.DebugString()))
		case gst.MessageAsyncDone, gst.MessageEOS:
			deadline = time.Time{}
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
					deadline = time.Time{}
				}
			}
		}
	}

	src := &gstSource{pipeline: pipeline, sink: sink, logger: logger}
	src.hopper = newHopper(hopSize, src.pull)
	logger.Info("gstreamer source opened", "path", path, "rate", sampleRate)
	return src, nil
}

func buildDecodePipeline(path string, sampleRate int, logger *slog.Logger) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create filesrc: %w", err)
	}
	filesrc.SetProperty("location", path)

	decodebin, err := gst.NewElement("decodebin")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create decodebin: %w", err)
	}
	convert, err := gst.NewElement("audioconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audioconvert: %w", err)
	}
	resample, err := gst.NewElement("audioresample")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create audioresample: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("audio/x-raw,format=F32LE,layout=interleaved,channels=1,rate=%d", sampleRate)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)     // decode as fast as the loop pulls
	sink.SetProperty("max-buffers", 16) // backpressure instead of buffering the whole song
	sink.SetProperty("drop", false)

	if err := pipeline.AddMany(filesrc, decodebin, convert, resample, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := filesrc.Link(decodebin); err != nil {
		return nil, nil, fmt.Errorf("failed to link filesrc: %w", err)
	}
	if err := gst.ElementLinkMany(convert, resample, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link audio chain: %w", err)
	}

	decodebin.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := convert.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			logger.Debug("decodebin pad not linked", "pad", srcPad.GetName(), "ret", ret)
			return
		}
		logger.Debug("decodebin pad linked", "pad", srcPad.GetName())
	})

	return pipeline, sink, nil
}

type gstSource struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	logger   *slog.Logger
	hopper   *hopper

	closeOnce sync.Once
}

// pull blocks for the next decoded buffer. A nil sample means EOS.
func (g *gstSource) pull() ([]float32, error) {
	sample := g.sink.PullSample()
	if sample == nil {
		if !g.sink.IsEOS() {
			if err := g.busError(); err != nil {
				return nil, err
			}
		}
		return nil, io.EOF
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return []float32{}, nil
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	buffer.Unmap()
	return out, nil
}

func (g *gstSource) busError() error {
	bus := g.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			return fmt.Errorf("gstreamer: %s", gerr.Error())
		}
	}
}

func (g *gstSource) Next() ([]float32, int, error) {
	return g.hopper.next()
}

func (g *gstSource) Close() error {
	g.closeOnce.Do(func() {
		g.pipeline.SetState(gst.StateNull)
		g.logger.Debug("gstreamer source closed")
	})
	return nil
}
