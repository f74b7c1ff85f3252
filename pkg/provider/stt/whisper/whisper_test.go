package whisper

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/deepknow/omniagent/pkg/provider/stt"
)

func TestNewRequiresModelPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestLanguageCode(t *testing.T) {
	cases := map[string]string{
		"zh-CN": "zh",
		"en-US": "en",
		"de":    "de",
	}
	for in, want := range cases {
		if got := languageCode(in); got != want {
			t.Errorf("languageCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestComputeRMSSilence(t *testing.T) {
	chunk := make([]byte, 640) // 20 ms of 16 kHz mono zeros
	if rms := computeRMS(chunk); rms != 0 {
		t.Errorf("RMS of silence = %f, want 0", rms)
	}
}

func TestComputeRMSFullScale(t *testing.T) {
	chunk := make([]byte, 640)
	for i := 0; i < len(chunk); i += 2 {
		binary.LittleEndian.PutUint16(chunk[i:], uint16(int16(16384)))
	}
	rms := computeRMS(chunk)
	if math.Abs(rms-0.5) > 0.001 {
		t.Errorf("RMS of half-scale tone = %f, want 0.5", rms)
	}
	if rms < defaultRMSThreshold {
		t.Error("half-scale tone must count as speech")
	}
}

func TestComputeRMSEmpty(t *testing.T) {
	if rms := computeRMS(nil); rms != 0 {
		t.Errorf("RMS of empty chunk = %f, want 0", rms)
	}
}

func TestChunkDurationMs(t *testing.T) {
	// 3200 bytes of 16 kHz mono 16-bit PCM is 100 ms.
	if ms := chunkDurationMs(make([]byte, 3200), 16000, 1); ms != 100 {
		t.Errorf("duration = %d ms, want 100", ms)
	}
	// Stereo halves the duration for the same byte count.
	if ms := chunkDurationMs(make([]byte, 3200), 16000, 2); ms != 50 {
		t.Errorf("stereo duration = %d ms, want 50", ms)
	}
	if ms := chunkDurationMs(make([]byte, 3200), 0, 1); ms != 0 {
		t.Errorf("zero sample rate duration = %d ms, want 0", ms)
	}
}

func TestPCMToFloat32(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(0)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[4:], uint16(int16(-32768)))

	samples := pcmToFloat32(pcm)
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	want := []float32{0, 0.5, -1.0}
	for i, w := range want {
		if math.Abs(float64(samples[i]-w)) > 0.0001 {
			t.Errorf("sample[%d] = %f, want %f", i, samples[i], w)
		}
	}
}

func TestPCMToFloat32MonoDownmix(t *testing.T) {
	// One stereo frame: left 16384, right -16384 → averages to 0.
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(-16384)))

	mono := pcmToFloat32Mono(pcm, 2)
	if len(mono) != 1 {
		t.Fatalf("len = %d, want 1", len(mono))
	}
	if math.Abs(float64(mono[0])) > 0.0001 {
		t.Errorf("downmixed sample = %f, want 0", mono[0])
	}
}

func TestSendAudioAfterStopIsNoop(t *testing.T) {
	s := &session{
		audioCh: make(chan []byte, 4),
		events:  make(chan stt.Event, 1),
		done:    make(chan struct{}),
	}
	close(s.done)

	if err := s.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio after stop: %v", err)
	}
	select {
	case <-s.audioCh:
		t.Error("audio must be dropped after stop")
	default:
	}
}
