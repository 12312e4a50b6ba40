package decodetypes

import "testing"

func TestDefaultSamplingConfig_PenaltiesAllDisabled(t *testing.T) {
	cfg := DefaultSamplingConfig()
	temp, rep, pres, freq, minLen := cfg.PenaltiesEnabled()
	if temp || rep || pres || freq || minLen {
		t.Errorf("expected every penalty class disabled by default, got temp=%v rep=%v pres=%v freq=%v minLen=%v",
			temp, rep, pres, freq, minLen)
	}
}

func TestSamplingConfig_PenaltiesEnabled_DetectsNonDefaultValues(t *testing.T) {
	cfg := DefaultSamplingConfig()
	cfg.RepetitionPenalty = 1.2
	cfg.MinLength = 5

	temp, rep, pres, freq, minLen := cfg.PenaltiesEnabled()
	if temp {
		t.Errorf("expected temperature to stay disabled")
	}
	if !rep {
		t.Errorf("expected repetition penalty to be detected as enabled")
	}
	if pres || freq {
		t.Errorf("expected presence/frequency penalties to stay disabled")
	}
	if !minLen {
		t.Errorf("expected min-length penalty to be detected as enabled")
	}
}

func TestFinishReason_IsFinished(t *testing.T) {
	if NotFinished.IsFinished() {
		t.Errorf("expected NotFinished.IsFinished() == false")
	}
	for _, reason := range []FinishReason{FinishedEOS, FinishedMaxLength, FinishedStopWords} {
		if !reason.IsFinished() {
			t.Errorf("expected %v.IsFinished() == true", reason)
		}
	}
}
