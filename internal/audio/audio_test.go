package audio

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

// writeClickTrack writes a 16-bit stereo wav with a 2000-sample burst every interval.
func writeClickTrack(t *testing.T, dur, interval time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clicks.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	format := beep.Format{SampleRate: 44100, NumChannels: 2, Precision: 2}
	total := format.SampleRate.N(dur)
	every := format.SampleRate.N(interval)
	pos := 0
	streamer := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= total {
			return 0, false
		}
		n := 0
		for i := range samples {
			if pos >= total {
				break
			}
			v := 0.0
			if pos%every < 2000 {
				v = 0.8
			}
			samples[i] = [2]float64{v, v}
			pos++
			n++
		}
		return n, true
	})
	if err := wav.Encode(f, streamer, format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func TestBeepSourceAndDetectorFindClicks(t *testing.T) {
	path := writeClickTrack(t, 2*time.Second, 500*time.Millisecond)

	src, err := BeepOpener{}.Open(path, 44100, 256)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	det := NewEnergyDetector(DetectorConfig{
		SampleRate:  44100,
		WindowSize:  512,
		Threshold:   0.02,
		Sensitivity: 1.4,
		History:     43,
		MinGap:      250 * time.Millisecond,
	})

	frames, samples, beats := 0, 0, 0
	for {
		frame, n, err := src.Next()
		if errors.Is(err, io.EOF) || n == 0 {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if n > 256 {
			t.Fatalf("hop larger than requested: %d", n)
		}
		frames++
		samples += n
		if det.Detect(frame[:n]) {
			beats++
		}
	}

	if samples != 88200 {
		t.Errorf("expected 88200 samples, got %d", samples)
	}
	if frames != 345 {
		t.Errorf("expected 345 hops, got %d", frames)
	}
	if beats != 4 {
		t.Errorf("expected 4 beats, got %d", beats)
	}
}

func TestProbeDuration(t *testing.T) {
	path := writeClickTrack(t, 1500*time.Millisecond, time.Second)
	d, err := ProbeDuration(path)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", d)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := ProbeDuration(filepath.Join(t.TempDir(), "missing.mp3"))
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if le.Category != ErrCategoryNotFound || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not_found, got %s", le.Category)
	}

	txt := filepath.Join(t.TempDir(), "notes.txt")
	_ = os.WriteFile(txt, []byte("hello"), 0o644)
	if _, err := (BeepOpener{}).Open(txt, 44100, 256); !errors.As(err, &le) || le.Category != ErrCategoryFormat {
		t.Errorf("expected format LoadError, got %v", err)
	}

	ogg := filepath.Join(t.TempDir(), "bad.ogg")
	_ = os.WriteFile(ogg, []byte("not an ogg stream"), 0o644)
	if _, err := ProbeDuration(ogg); !errors.As(err, &le) || le.Category == ErrCategoryFormat {
		t.Errorf("ogg should be decoded, not rejected by extension: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.wav")
	_ = os.WriteFile(bad, []byte("definitely not a riff header"), 0o644)
	if _, err := (BeepOpener{}).Open(bad, 44100, 256); !errors.As(err, &le) {
		t.Errorf("expected LoadError for corrupt wav, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{fs.ErrNotExist, ErrCategoryNotFound},
		{fmt.Errorf("%w \".flac\"", ErrUnsupportedFormat), ErrCategoryFormat},
		{errors.New("gstreamer: type not found"), ErrCategoryFormat},
		{errors.New("Could not open resource for reading"), ErrCategoryNotFound},
		{errors.New("Your GStreamer installation is missing a plug-in / missing plugin"), ErrCategoryFormat},
		{errors.New("wav: invalid header"), ErrCategoryDecode},
		{errors.New("something odd"), ErrCategoryUnknown},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Errorf("classify(%q) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestHopperSplitsBlocks(t *testing.T) {
	blocks := [][]float32{{1, 2, 3}, {4, 5}, {6, 7, 8, 9, 10}}
	i := 0
	h := newHopper(4, func() ([]float32, error) {
		if i >= len(blocks) {
			return nil, io.EOF
		}
		b := blocks[i]
		i++
		return b, nil
	})

	var sizes []int
	var all []float32
	for {
		f, n, err := h.next()
		if err == io.EOF {
			break
		}
		sizes = append(sizes, n)
		all = append(all, f[:n]...)
	}
	if len(sizes) != 3 || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Fatalf("unexpected hop sizes %v", sizes)
	}
	for j, v := range all {
		if v != float32(j+1) {
			t.Fatalf("samples out of order: %v", all)
		}
	}
}

func TestDetectorRespectsMinGapAndThreshold(t *testing.T) {
	d := NewEnergyDetector(DetectorConfig{WindowSize: 4, Threshold: 0.1, Sensitivity: 1.5, History: 4, SampleRate: 1000, MinGap: 10 * time.Millisecond})
	loud := []float32{1, 1, 1, 1}
	quiet := []float32{0.01, 0.01, 0.01, 0.01}

	if d.Detect(quiet) {
		t.Fatal("quiet frame below threshold should not be a beat")
	}
	if !d.Detect(loud) {
		t.Fatal("first loud frame should be a beat")
	}
	if d.Detect(loud) {
		t.Fatal("beat inside min gap should be suppressed")
	}
	// Each play builds its own detector, so no refractory state carries over.
	fresh := NewEnergyDetector(DetectorConfig{WindowSize: 4, Threshold: 0.1, Sensitivity: 1.5, History: 4, SampleRate: 1000, MinGap: 10 * time.Millisecond})
	if !fresh.Detect(loud) {
		t.Fatal("a new detector should not inherit the refractory period")
	}
}

type fakeMPD struct {
	log    []string
	status mpd.Attrs
}

func (f *fakeMPD) Clear() error               { f.log = append(f.log, "clear"); return nil }
func (f *fakeMPD) Add(uri string) error       { f.log = append(f.log, "add "+uri); return nil }
func (f *fakeMPD) Play(pos int) error         { f.log = append(f.log, fmt.Sprintf("play %d", pos)); return nil }
func (f *fakeMPD) Pause(p bool) error         { f.log = append(f.log, fmt.Sprintf("pause %v", p)); return nil }
func (f *fakeMPD) Stop() error                { f.log = append(f.log, "stop"); return nil }
func (f *fakeMPD) Close() error               { return nil }
func (f *fakeMPD) Status() (mpd.Attrs, error) { return f.status, nil }

func TestMPDTransport(t *testing.T) {
	fake := &fakeMPD{status: mpd.Attrs{"state": "play", "elapsed": "12.345"}}
	tr := NewMPDTransport("localhost:6600", "", "/music", slog.Default())
	var network string
	tr.dial = func(n, addr string) (mpdClient, error) {
		network = n
		return fake, nil
	}

	if err := tr.Play(); err == nil {
		t.Fatal("play before load should fail")
	}
	if err := tr.Load("/music/album/song.mp3"); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = tr.Play()
	_ = tr.Pause()
	_ = tr.Unpause()
	_ = tr.Stop()

	want := []string{"clear", "add album/song.mp3", "play -1", "pause true", "pause false", "stop"}
	if fmt.Sprint(fake.log) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", fake.log, want)
	}
	if network != "tcp" {
		t.Errorf("expected tcp, got %s", network)
	}
	if !tr.IsBusy() {
		t.Error("state=play should be busy")
	}
	if got := tr.PositionMillis(); got != 12345 {
		t.Errorf("expected 12345ms, got %d", got)
	}

	fake.status = mpd.Attrs{"state": "pause"}
	if tr.IsBusy() {
		t.Error("state=pause should not be busy")
	}

	var le *LoadError
	if err := tr.Load("/elsewhere/song.mp3"); !errors.As(err, &le) {
		t.Errorf("expected LoadError for path outside music dir, got %v", err)
	}
}

func TestMPDDialFailure(t *testing.T) {
	tr := NewMPDTransport("/run/mpd/socket", "", "", slog.Default())
	tr.dial = func(n, addr string) (mpdClient, error) {
		if n != "unix" {
			t.Errorf("expected unix network for socket path, got %s", n)
		}
		return nil, errors.New("connection refused")
	}
	if tr.IsBusy() {
		t.Error("unreachable mpd should not be busy")
	}
	if err := tr.Stop(); err == nil {
		t.Error("expected dial error")
	}
}
