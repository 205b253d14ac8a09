package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ashureev/simroom/internal/domain"
)

func TestNew_RejectsInvalidScenario(t *testing.T) {
	sc := testScenario()
	sc.Questions[1].ChannelID = "ghost"

	_, err := New("sim-1", sc, DefaultConfig(), Deps{Logger: discardLogger()})
	if !errors.Is(err, domain.ErrSchema) {
		t.Fatalf("New() error = %v, want ErrSchema", err)
	}
}

func TestEngine_StartDeliversContextThenQuestion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	h.engine.Start()
	waitIdle(t, h.engine)

	got := h.engine.Messages("technical")
	want := []domain.Message{
		{ID: "technical-q1-context-0", ChannelID: "technical", Role: domain.RoleAgent, Author: "Alice", Content: "Pager just went off.", Timestamp: fixedNow()},
		{ID: "technical-q1-context-1", ChannelID: "technical", Role: domain.RoleAgent, Author: "Bob", Content: "Customers are complaining.", Timestamp: fixedNow()},
		{
			ID: "technical-q1", ChannelID: "technical", Role: domain.RoleAgent, Author: "Alice",
			Content:   "Checkout is throwing 500s. Where do you start?",
			Stimulus:  &domain.Stimulus{Kind: domain.StimulusCode, Title: "handler.go", Content: "panic(err)"},
			Timestamp: fixedNow(),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("technical messages mismatch (-want +got):\n%s", diff)
	}

	product := h.engine.Messages("product")
	if diff := cmp.Diff([]string{"product-q2"}, messageIDs(product)); diff != "" {
		t.Errorf("product messages mismatch (-want +got):\n%s", diff)
	}
	if product[0].Author != "Team" {
		t.Errorf("author without context = %q, want Team", product[0].Author)
	}
	if got := h.engine.ChannelState("technical"); got != domain.StateAwaitingResponse {
		t.Errorf("ChannelState() = %q, want %q", got, domain.StateAwaitingResponse)
	}
}

func TestEngine_FollowUpsThenCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	wantKinds := []TransitionKind{TransitionFollowUp, TransitionFollowUp, TransitionCompleted}
	wantAnswered := []string{"q1", "q1-f1", "q1-f2"}
	for i, answer := range []string{"check logs", "the deploy", "status page"} {
		tr, err := e.SubmitResponse("technical", answer)
		if err != nil {
			t.Fatalf("SubmitResponse(%d) error = %v", i, err)
		}
		if tr.Kind != wantKinds[i] {
			t.Errorf("response %d kind = %q, want %q", i, tr.Kind, wantKinds[i])
		}
		if tr.AnsweredID != wantAnswered[i] {
			t.Errorf("response %d answered = %q, want %q", i, tr.AnsweredID, wantAnswered[i])
		}
		waitIdle(t, e)
	}

	wantIDs := []string{
		"technical-q1-context-0",
		"technical-q1-context-1",
		"technical-q1",
		"technical-response-1",
		"technical-q1-f1",
		"technical-response-2",
		"technical-q1-f2",
		"technical-response-3",
		"technical-completion",
	}
	msgs := e.Messages("technical")
	if diff := cmp.Diff(wantIDs, messageIDs(msgs)); diff != "" {
		t.Errorf("message ids mismatch (-want +got):\n%s", diff)
	}
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleSystem || last.Content != DefaultCompletionMessage {
		t.Errorf("completion message = %+v", last)
	}

	if got := e.ChannelState("technical"); got != domain.StateCompleted {
		t.Errorf("ChannelState() = %q, want completed", got)
	}
	if _, err := e.SubmitResponse("technical", "one more"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("response to completed channel error = %v, want ErrInvalidState", err)
	}
	if got := len(e.Messages("technical")); got != len(wantIDs) {
		t.Errorf("rejected response changed the log: %d messages", got)
	}
	if got := len(h.events.ofType(EventChannelCompleted)); got != 1 {
		t.Errorf("channel_completed events = %d, want 1", got)
	}

	snap := e.Snapshot()
	if !snap.Channels[0].Locked {
		t.Error("completed channel is not locked")
	}
	if snap.Channels[1].Locked {
		t.Error("product channel should stay open")
	}
}

func TestEngine_NextQuestionDeliversContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	tr, err := e.SubmitResponse("product", "the export button")
	if err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	if tr.Kind != TransitionNextQuestion || tr.Question.ID != "q3" {
		t.Fatalf("transition = %+v, want next question q3", tr)
	}
	waitIdle(t, e)

	want := []string{"product-q2", "product-response-1", "product-q3-context-0", "product-q3"}
	if diff := cmp.Diff(want, messageIDs(e.Messages("product"))); diff != "" {
		t.Errorf("product ids mismatch (-want +got):\n%s", diff)
	}
	p := e.Snapshot().Channels[1].Progress
	if p.QuestionIndex != 1 || p.FollowUpIndex != 0 {
		t.Errorf("progress = %+v, want question 1", p)
	}
}

func TestEngine_ChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	var wg sync.WaitGroup
	for _, ch := range []string{"technical", "product"} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			if _, err := e.SubmitResponse(ch, "answer"); err != nil {
				t.Errorf("SubmitResponse(%s) error = %v", ch, err)
			}
		}(ch)
	}
	wg.Wait()
	waitIdle(t, e)

	tech, _ := e.tracker.Progress("technical")
	if tech.FollowUpIndex != 1 || tech.QuestionIndex != 0 {
		t.Errorf("technical progress = %+v", tech)
	}
	prod, _ := e.tracker.Progress("product")
	if prod.QuestionIndex != 1 {
		t.Errorf("product progress = %+v", prod)
	}
}

func TestEngine_ChannelWithoutQuestions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	if got := e.ChannelState("random"); got != domain.StateCompleted {
		t.Errorf("ChannelState(random) = %q, want completed", got)
	}
	if len(e.Messages("random")) != 0 {
		t.Error("channel without questions has messages")
	}
	if _, err := e.SubmitResponse("random", "hi"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("SubmitResponse(random) error = %v, want ErrInvalidState", err)
	}
	if _, err := e.SubmitResponse("nope", "hi"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("SubmitResponse(unknown) error = %v, want ErrInvalidState", err)
	}
}

func TestEngine_ResponsesCarryAnsweredIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	for _, a := range []string{"a", "b"} {
		if _, err := e.SubmitResponse("technical", a); err != nil {
			t.Fatalf("SubmitResponse() error = %v", err)
		}
	}
	e.Close()

	saved, _, _ := h.store.snapshot()
	var got []string
	for _, r := range saved {
		got = append(got, r.QuestionID)
	}
	if diff := cmp.Diff([]string{"q1", "q1-f1"}, got); diff != "" {
		t.Errorf("persisted question ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(saved, e.Responses()); diff != "" {
		t.Errorf("in-memory responses differ from persisted (-persisted +memory):\n%s", diff)
	}
}

func TestEngine_PersistenceFailureKeepsResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	h.store.responseErr = errors.New("disk full")
	e := h.engine
	e.Start()
	waitIdle(t, e)

	if _, err := e.SubmitResponse("technical", "a"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	e.Close()
	if got := len(e.Responses()); got != 1 {
		t.Errorf("Responses() = %d, want 1", got)
	}
}

func TestEngine_SubmitIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	if err := e.Submit(); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if err := e.Submit(); !errors.Is(err, domain.ErrAlreadySubmitted) {
		t.Errorf("second Submit() error = %v, want ErrAlreadySubmitted", err)
	}
	for i := 0; i < 5; i++ {
		e.OnTick()
	}

	_, _, finalized := h.store.snapshot()
	if diff := cmp.Diff([]domain.SubmitReason{domain.SubmitByCandidate}, finalized); diff != "" {
		t.Errorf("finalize calls mismatch (-want +got):\n%s", diff)
	}
	if got := h.scorer.count(); got != 1 {
		t.Errorf("scorer handoffs = %d, want 1", got)
	}
	if got := len(h.events.ofType(EventSubmitted)); got != 1 {
		t.Errorf("submitted events = %d, want 1", got)
	}
	if _, err := e.SubmitResponse("product", "late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("SubmitResponse after submit error = %v, want ErrInvalidState", err)
	}
	if _, err := e.ReportViolation(domain.ViolationTabSwitch); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("ReportViolation after submit error = %v, want ErrInvalidState", err)
	}
}

func TestEngine_ClockExpirySubmits(t *testing.T) {
	t.Parallel()

	cfg := manualConfig()
	cfg.SessionDuration = 3 * time.Second
	h := newHarness(t, cfg, immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	if got := e.RemainingSeconds(); got != 3 {
		t.Fatalf("RemainingSeconds() = %d, want 3", got)
	}
	if _, err := e.SubmitResponse("technical", "roll back the deploy"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	e.OnTick()
	if _, err := e.SubmitResponse("product", "cut exports"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		e.OnTick()
	}
	if !e.Submitted() {
		t.Fatal("engine not submitted after the clock ran out")
	}
	if err := e.Submit(); !errors.Is(err, domain.ErrAlreadySubmitted) {
		t.Errorf("Submit() after expiry error = %v, want ErrAlreadySubmitted", err)
	}

	_, _, finalized := h.store.snapshot()
	if diff := cmp.Diff([]domain.SubmitReason{domain.SubmitByClock}, finalized); diff != "" {
		t.Errorf("finalize calls mismatch (-want +got):\n%s", diff)
	}
	ticks := h.events.ofType(EventTick)
	if len(ticks) != 3 || ticks[2].RemainingSeconds != 0 {
		t.Errorf("tick events = %+v", ticks)
	}

	handoffs := h.scorer.all()
	if len(handoffs) != 1 {
		t.Fatalf("scorer handoffs = %d, want 1", len(handoffs))
	}
	if handoffs[0].Reason != domain.SubmitByClock {
		t.Errorf("handoff reason = %q, want %q", handoffs[0].Reason, domain.SubmitByClock)
	}
	want := []string{"roll back the deploy", "cut exports"}
	if diff := cmp.Diff(want, contents(handoffs[0].Responses)); diff != "" {
		t.Errorf("handoff responses mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_ResponseDuringSubmitIsHandedOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.events.setHold(func(ev Event) {
		if ev.Type == EventMessage && ev.Message.Role == domain.RoleCandidate {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	respErr := make(chan error, 1)
	go func() {
		_, err := e.SubmitResponse("product", "cut exports")
		respErr <- err
	}()
	<-entered

	submitErr := make(chan error, 1)
	go func() { submitErr <- e.Submit() }()

	// The latch is set before finalize captures state; the response that is
	// still being handled must land first.
	deadline := time.Now().Add(2 * time.Second)
	for !e.Submitted() {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("Submit() never set the latch")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-respErr; err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	if err := <-submitErr; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	handoffs := h.scorer.all()
	if len(handoffs) != 1 {
		t.Fatalf("scorer handoffs = %d, want 1", len(handoffs))
	}
	if diff := cmp.Diff(contents(e.Responses()), contents(handoffs[0].Responses)); diff != "" {
		t.Errorf("handoff misses accepted responses (-engine +handoff):\n%s", diff)
	}
	if len(handoffs[0].Responses) != 1 {
		t.Errorf("handoff responses = %d, want 1", len(handoffs[0].Responses))
	}
	if _, err := e.SubmitResponse("product", "again"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("SubmitResponse after submit error = %v, want ErrInvalidState", err)
	}
}

func TestEngine_ConcurrentSubmitAndExpiry(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		cfg := manualConfig()
		cfg.SessionDuration = time.Second
		h := newHarness(t, cfg, immediateAfter)
		e := h.engine
		e.Start()

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _ = e.Submit() }()
		go func() { defer wg.Done(); e.OnTick() }()
		go func() { defer wg.Done(); _ = e.Submit() }()
		wg.Wait()
		e.Close()

		_, _, finalized := h.store.snapshot()
		if len(finalized) != 1 {
			t.Fatalf("run %d: finalize calls = %v, want exactly one", i, finalized)
		}
		if h.scorer.count() != 1 {
			t.Fatalf("run %d: scorer handoffs = %d", i, h.scorer.count())
		}
	}
}

func TestEngine_NoScriptedMessagesAfterSubmit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), blockedAfter)
	e := h.engine
	e.Start()

	// The first context line has no delay; the second waits forever.
	deadline := time.Now().Add(2 * time.Second)
	for len(e.Messages("technical")) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := e.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	e.Close()

	if diff := cmp.Diff([]string{"technical-q1-context-0"}, messageIDs(e.Messages("technical"))); diff != "" {
		t.Errorf("messages after submit (-want +got):\n%s", diff)
	}
}

func TestEngine_ViolationsAccumulate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()

	kinds := []string{domain.ViolationTabSwitch, domain.ViolationNoFace, domain.ViolationTabSwitch}
	for i, k := range kinds {
		got, err := e.ReportViolation(k)
		if err != nil {
			t.Fatalf("ReportViolation() error = %v", err)
		}
		if got != i+1 {
			t.Errorf("ReportViolation() total = %d, want %d", got, i+1)
		}
	}
	e.Close()

	_, saved, _ := h.store.snapshot()
	if len(saved) != 3 {
		t.Errorf("persisted violations = %d, want 3", len(saved))
	}
	if got := e.Snapshot().ViolationsCount; got != 3 {
		t.Errorf("snapshot violations = %d, want 3", got)
	}
	if got := len(h.events.ofType(EventViolation)); got != 3 {
		t.Errorf("violation events = %d, want 3", got)
	}
}

func TestEngine_HandoffCarriesResponses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	e := h.engine
	e.Start()
	waitIdle(t, e)

	if _, err := e.SubmitResponse("product", "cut exports"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}
	if _, err := e.ReportViolation(domain.ViolationLookingAway); err != nil {
		t.Fatalf("ReportViolation() error = %v", err)
	}
	if err := e.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	h.scorer.mu.Lock()
	defer h.scorer.mu.Unlock()
	got := h.scorer.handoffs[0]
	if got.SimulationID != "sim-1" || got.ViolationsCount != 1 || got.Reason != domain.SubmitByCandidate {
		t.Errorf("handoff = %+v", got)
	}
	if len(got.Responses) != 1 || got.Responses[0].Content != "cut exports" {
		t.Errorf("handoff responses = %+v", got.Responses)
	}
}

func TestEngine_RestoreReproducesMessages(t *testing.T) {
	t.Parallel()

	first := newHarness(t, manualConfig(), immediateAfter)
	e1 := first.engine
	e1.Start()
	waitIdle(t, e1)
	for _, step := range []struct{ ch, text string }{
		{"technical", "a"}, {"product", "b"}, {"technical", "c"},
	} {
		if _, err := e1.SubmitResponse(step.ch, step.text); err != nil {
			t.Fatalf("SubmitResponse() error = %v", err)
		}
		waitIdle(t, e1)
	}
	e1.Close()

	second := newHarness(t, manualConfig(), immediateAfter)
	e2 := second.engine
	if err := e2.Restore(e1.Responses(), 2, 10*time.Minute); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	e2.Start()
	waitIdle(t, e2)

	for _, ch := range []string{"technical", "product"} {
		if diff := cmp.Diff(messageIDs(e1.Messages(ch)), messageIDs(e2.Messages(ch))); diff != "" {
			t.Errorf("%s ids after restore (-original +restored):\n%s", ch, diff)
		}
	}
	if got := e2.ViolationsCount(); got != 2 {
		t.Errorf("ViolationsCount() = %d, want 2", got)
	}
	if got := e2.RemainingSeconds(); got != 20*60 {
		t.Errorf("RemainingSeconds() = %d, want 1200", got)
	}
	tr, err := e2.SubmitResponse("technical", "d")
	if err != nil || tr.AnsweredID != "q1-f2" {
		t.Errorf("SubmitResponse after restore = %+v, %v", tr, err)
	}
}

func TestEngine_PersistsResponsesInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	gate := make(chan struct{})
	h.store.setBeforeSave(func(r domain.Response) {
		if r.Content == "first" {
			<-gate
		}
	})
	e := h.engine
	e.Start()
	waitIdle(t, e)

	for _, text := range []string{"first", "second"} {
		if _, err := e.SubmitResponse("technical", text); err != nil {
			t.Fatalf("SubmitResponse(%q) error = %v", text, err)
		}
	}
	close(gate)
	e.Close()

	saved, _, _ := h.store.snapshot()
	if diff := cmp.Diff([]string{"first", "second"}, contents(saved)); diff != "" {
		t.Fatalf("saved order mismatch (-want +got):\n%s", diff)
	}

	restored := newHarness(t, manualConfig(), immediateAfter)
	if err := restored.engine.Restore(saved, 0, 0); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	var answer string
	for _, m := range restored.engine.Messages("technical") {
		if m.ID == "technical-response-1" {
			answer = m.Content
		}
	}
	if answer != "first" {
		t.Errorf("restored answer to q1 = %q, want first", answer)
	}
}

func TestEngine_RestoreRejectsResponseForOtherPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, manualConfig(), immediateAfter)
	// The answer to q1 itself was never saved.
	responses := []domain.Response{
		{ID: "r2", SimulationID: "sim-1", ChannelID: "technical", QuestionID: "q1-f1", Content: "b"},
	}
	if err := h.engine.Restore(responses, 0, 0); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Restore() error = %v, want ErrInvalidState", err)
	}
}
