package stt

// Result represents a speech-to-text result from an STT provider.
// Both partial (interim) and final results use this type.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// StartTimeMS is the utterance start offset in milliseconds relative to
	// session start.
	StartTimeMS int64

	// EndTimeMS is the utterance end offset in milliseconds. Zero on partial
	// results; a final result always carries a positive end time.
	EndTimeMS int64

	// Words contains per-word detail when available. May be nil for
	// providers that don't support word-level output.
	Words []WordDetail
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word        string
	StartTimeMS int64
	EndTimeMS   int64
	Confidence  float64
}
