package engine

import (
	"errors"
	"testing"

	"github.com/ashureev/simroom/internal/domain"
)

func TestTracker_Advance(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testScenario())
	if tr.Tracks("random") {
		t.Error("channel without questions should not be tracked")
	}

	tests := []struct {
		channel  string
		kind     TransitionKind
		answered string
		progress domain.ChannelProgress
	}{
		{"technical", TransitionFollowUp, "q1", domain.ChannelProgress{FollowUpIndex: 1}},
		{"technical", TransitionFollowUp, "q1-f1", domain.ChannelProgress{FollowUpIndex: 2}},
		{"product", TransitionNextQuestion, "q2", domain.ChannelProgress{QuestionIndex: 1}},
		{"technical", TransitionCompleted, "q1-f2", domain.ChannelProgress{FollowUpIndex: 2, Completed: true}},
		{"product", TransitionCompleted, "q3", domain.ChannelProgress{QuestionIndex: 1, Completed: true}},
	}
	for i, tt := range tests {
		got, err := tr.Advance(tt.channel)
		if err != nil {
			t.Fatalf("step %d: Advance(%s) error = %v", i, tt.channel, err)
		}
		if got.Kind != tt.kind || got.AnsweredID != tt.answered || got.Progress != tt.progress {
			t.Errorf("step %d: Advance(%s) = {%s %s %+v}, want {%s %s %+v}",
				i, tt.channel, got.Kind, got.AnsweredID, got.Progress, tt.kind, tt.answered, tt.progress)
		}
	}

	for _, ch := range []string{"technical", "product", "random", "missing"} {
		if _, err := tr.Advance(ch); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("Advance(%s) error = %v, want ErrInvalidState", ch, err)
		}
	}
}

func TestTracker_ProgressIsNotShared(t *testing.T) {
	t.Parallel()

	tr := NewTracker(testScenario())
	p, _ := tr.Progress("technical")
	p.QuestionIndex = 7

	again, _ := tr.Progress("technical")
	if again.QuestionIndex != 0 {
		t.Errorf("Progress() leaked internal state: %+v", again)
	}
}
