package syncadapt

import "testing"

func TestHealthScorer_HealthyPeerScoresHigh(t *testing.T) {
	h := NewHealthScorer()
	for i := 0; i < 5; i++ {
		h.Record(0.01, 0, 0)
	}
	score, components := h.Score()
	if score < 0.9 {
		t.Errorf("expected high score for healthy peer, got %v (%+v)", score, components)
	}
}

func TestHealthScorer_UnhealthyPeerScoresLow(t *testing.T) {
	h := NewHealthScorer()
	for i := 0; i < 5; i++ {
		h.Record(1.0, 1, 1.0)
	}
	score, _ := h.Score()
	if score > 0.1 {
		t.Errorf("expected low score for consistently failing peer, got %v", score)
	}
}

func TestHealthScorer_EmptyWindowsScoreNeutral(t *testing.T) {
	h := NewHealthScorer()
	score, _ := h.Score()
	if score != 1.0 {
		t.Errorf("expected empty windows to read as fully healthy (no bad samples yet), got %v", score)
	}
}
