package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultOnceTimeout bounds how long TranscribeOnce waits for the
	// recogniser to flush its trailing finals after all audio is sent.
	DefaultOnceTimeout = 10 * time.Second

	// onceChunkMS is the frame duration used to slice the input buffer.
	onceChunkMS = 100

	// oncePace is the delay between consecutive frames. Real-time pacing is
	// not required, but hammering the upstream with the entire buffer at once
	// trips provider-side rate limits.
	oncePace = 10 * time.Millisecond
)

// ErrTranscribeTimeout is returned by TranscribeOnce when the recogniser does
// not complete within the deadline.
var ErrTranscribeTimeout = errors.New("stt: transcription timed out")

// TranscribeOnce transcribes a complete in-memory PCM buffer using a
// throwaway streaming session.
//
// The buffer is sliced into 100 ms frames (3,200 bytes at 16 kHz mono),
// fed with short pacing, and the session is stopped so the recogniser
// flushes its trailing finals. The concatenation of all final texts, joined
// by a single space, is returned.
//
// The call is bounded by [DefaultOnceTimeout] beyond any deadline already on
// ctx. A session-level error event aborts the call with that error.
func TranscribeOnce(ctx context.Context, p Provider, cfg SessionConfig, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultOnceTimeout)
	defer cancel()

	sess, err := p.StartSession(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("stt: start session: %w", err)
	}
	defer sess.Stop()

	// Collect finals concurrently while audio is being fed; the events
	// channel closes once Stop has flushed the session.
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var parts []string
		for ev := range sess.Events() {
			switch ev.Kind {
			case EventFinal:
				if t := strings.TrimSpace(ev.Result.Text); t != "" {
					parts = append(parts, t)
				}
			case EventError:
				done <- outcome{err: ev.Err}
				return
			}
		}
		done <- outcome{text: strings.Join(parts, " ")}
	}()

	chunkSize := chunkSizeBytes(cfg)
	for off := 0; off < len(audio); off += chunkSize {
		end := off + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := sess.SendAudio(audio[off:end]); err != nil {
			return "", fmt.Errorf("stt: send audio: %w", err)
		}
		select {
		case <-time.After(oncePace):
		case <-ctx.Done():
			return "", fmt.Errorf("stt: %w", ErrTranscribeTimeout)
		}
	}

	if err := sess.Stop(); err != nil {
		return "", fmt.Errorf("stt: stop session: %w", err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			return "", fmt.Errorf("stt: recognition failed: %w", out.err)
		}
		return out.text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("stt: %w", ErrTranscribeTimeout)
	}
}

// chunkSizeBytes returns the byte length of one 100 ms frame of 16-bit PCM
// for the configured sample rate and channel count.
func chunkSizeBytes(cfg SessionConfig) int {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	return sr / 1000 * onceChunkMS * 2 * ch
}
