package phonetic

import "testing"

func TestMatchSingleWord(t *testing.T) {
	m := New()
	hotwords := []string{"DashScope", "Paraformer", "OmniAgent"}

	corrected, conf, ok := m.Match("paraphormer", hotwords)
	if !ok {
		t.Fatal("expected a match")
	}
	if corrected != "Paraformer" {
		t.Errorf("corrected = %q, want Paraformer", corrected)
	}
	if conf <= 0 {
		t.Errorf("confidence = %f, want > 0", conf)
	}
}

func TestMatchMultiWordHotword(t *testing.T) {
	m := New()
	hotwords := []string{"Alibaba Cloud"}

	corrected, _, ok := m.Match("ali baba cloud", hotwords)
	if !ok {
		t.Fatal("expected a match")
	}
	if corrected != "Alibaba Cloud" {
		t.Errorf("corrected = %q", corrected)
	}
}

func TestMatchNoCandidates(t *testing.T) {
	m := New()
	hotwords := []string{"DashScope"}

	if _, _, ok := m.Match("completely unrelated", hotwords); ok {
		t.Error("expected no match for unrelated input")
	}
}

func TestMatchExactSpellingIsNotCorrected(t *testing.T) {
	m := New()
	hotwords := []string{"DashScope"}

	corrected, conf, ok := m.Match("dashscope", hotwords)
	if ok {
		t.Errorf("exact spelling should not be flagged: corrected = %q, conf = %f", corrected, conf)
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	m := New()
	if _, _, ok := m.Match("", []string{"DashScope"}); ok {
		t.Error("empty word must not match")
	}
	if _, _, ok := m.Match("hello", nil); ok {
		t.Error("empty hotword list must not match")
	}
}

func TestThresholdOptions(t *testing.T) {
	strict := New(WithPhoneticThreshold(0.99), WithFuzzyThreshold(0.99))
	if _, _, ok := strict.Match("paraphormer", []string{"Paraformer"}); ok {
		t.Error("strict thresholds should reject a near match")
	}

	lenient := New(WithPhoneticThreshold(0.5))
	if _, _, ok := lenient.Match("paraphormer", []string{"Paraformer"}); !ok {
		t.Error("lenient threshold should accept the near match")
	}
}
