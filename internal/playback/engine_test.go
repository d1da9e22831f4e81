package playback

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEngine_PlaysEverythingInOrder(t *testing.T) {
	synth := newFakeSynth()
	sink := &recordingSink{delay: 2 * time.Millisecond}
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	var want []string
	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("msg-%02d", i)
		want = append(want, text)
		mustEnqueue(t, e, text)
	}

	waitFor(t, "all utterances to play", func() bool { return len(sink.completedTexts()) == len(want) })
	if got := sink.completedTexts(); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if !equalStrings(sink.startedTexts(), want) {
		t.Errorf("Expected each utterance started once in order, got %v", sink.startedTexts())
	}
	if sink.overlapped() {
		t.Error("Expected playback never to overlap")
	}
	waitFor(t, "idle", func() bool { return e.State() == StateIdle })
}

func TestEngine_HelloWorld(t *testing.T) {
	synth := newFakeSynth()
	sink := &recordingSink{delay: 20 * time.Millisecond}
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	if _, err := e.Enqueue("hello", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue("world", 2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both played", func() bool { return len(log.texts(EventPlayed)) == 2 })
	if got := sink.completedTexts(); !equalStrings(got, []string{"hello", "world"}) {
		t.Errorf("Expected [hello world], got %v", got)
	}
	if sink.overlapped() {
		t.Error("Expected hello to finish before world started")
	}

	synth.mu.Lock()
	styles := append([]int(nil), synth.styles...)
	synth.mu.Unlock()
	if len(styles) != 2 || styles[0] != 1 || styles[1] != 2 {
		t.Errorf("Expected voice styles [1 2], got %v", styles)
	}
}

func TestEngine_SkipWhileIdle(t *testing.T) {
	e, log := newTestEngine(t, newFakeSynth(), Options{})
	e.RebindOutput(newHoldingSink())

	e.SkipCurrent()

	if e.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", e.State())
	}
	if len(log.texts(EventSkipped)) != 0 {
		t.Error("Expected no skip event while idle")
	}
}

func TestEngine_SkipBeforeSynthesisCompletes(t *testing.T) {
	synth := newFakeSynth()
	gateA := synth.gate("A")
	sink := newHoldingSink()
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A")
	waitFor(t, "synthesizing A", func() bool { return e.State() == StateSynthesizing })

	e.SkipCurrent()
	waitFor(t, "idle", func() bool { return e.State() == StateIdle })
	close(gateA)
	time.Sleep(30 * time.Millisecond)

	if started := sink.startedTexts(); len(started) != 0 {
		t.Errorf("Expected A never to reach the output, got %v", started)
	}
	if got := log.texts(EventSkipped); !equalStrings(got, []string{"A"}) {
		t.Errorf("Expected skip event for A, got %v", got)
	}
	if snap := e.Snapshot(); snap.Current != nil {
		t.Errorf("Expected no current utterance, got %+v", snap.Current)
	}
}

func TestEngine_SkipDuringSynthesizing(t *testing.T) {
	synth := newFakeSynth()
	synth.gate("A")
	sink := &recordingSink{}
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B", "C")
	waitFor(t, "synthesizing A", func() bool {
		snap := e.Snapshot()
		return snap.State == StateSynthesizing && snap.Current != nil && snap.Current.Text == "A"
	})

	e.SkipCurrent()

	waitFor(t, "B and C to play", func() bool { return len(sink.completedTexts()) == 2 })
	if got := sink.completedTexts(); !equalStrings(got, []string{"B", "C"}) {
		t.Errorf("Expected [B C], got %v", got)
	}
	if got := sink.startedTexts(); !equalStrings(got, []string{"B", "C"}) {
		t.Errorf("Expected A never started, got %v", got)
	}
}

func TestEngine_SkipDuringPlaying(t *testing.T) {
	synth := newFakeSynth()
	sink := newHoldingSink()
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B", "C")
	waitFor(t, "A playing", func() bool {
		return e.State() == StatePlaying && equalStrings(sink.startedTexts(), []string{"A"})
	})

	e.SkipCurrent()

	waitFor(t, "B playing", func() bool { return equalStrings(sink.startedTexts(), []string{"A", "B"}) })
	sink.finish(t)
	waitFor(t, "C playing", func() bool { return equalStrings(sink.startedTexts(), []string{"A", "B", "C"}) })
	sink.finish(t)
	waitFor(t, "idle", func() bool { return e.State() == StateIdle })

	if got := sink.completedTexts(); !equalStrings(got, []string{"B", "C"}) {
		t.Errorf("Expected [B C] completed, got %v", got)
	}
	if got := log.texts(EventSkipped); !equalStrings(got, []string{"A"}) {
		t.Errorf("Expected only A skipped, got %v", got)
	}
	if sink.overlapped() {
		t.Error("Expected skipped playback to stop before the next began")
	}
}

func TestEngine_SynthesisFailureDoesNotStallQueue(t *testing.T) {
	synth := newFakeSynth()
	synth.failTimes("A", 2)
	sink := &recordingSink{}
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B")

	waitFor(t, "B to play", func() bool { return len(sink.completedTexts()) == 1 })
	if got := sink.completedTexts(); !equalStrings(got, []string{"B"}) {
		t.Errorf("Expected only B to reach the output, got %v", got)
	}

	ev, ok := log.find(EventDropped, "A")
	if !ok {
		t.Fatal("Expected dropped event for A")
	}
	if ev.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", ev.Attempts)
	}
	var synthErr *SynthesisError
	if !errors.As(ev.Err, &synthErr) || !errors.Is(ev.Err, errBackendDown) {
		t.Errorf("Expected SynthesisError wrapping backend error, got %v", ev.Err)
	}

	calls := 0
	for _, text := range synth.callTexts() {
		if text == "A" {
			calls++
		}
	}
	if calls != 2 {
		t.Errorf("Expected A attempted twice, got %d", calls)
	}
}

func TestEngine_RetryRecoversSingleFailure(t *testing.T) {
	synth := newFakeSynth()
	synth.failTimes("A", 1)
	sink := &recordingSink{}
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A")

	waitFor(t, "A to play", func() bool { return len(sink.completedTexts()) == 1 })
	ev, ok := log.find(EventPlayed, "A")
	if !ok {
		t.Fatal("Expected played event for A")
	}
	if ev.Attempts != 2 {
		t.Errorf("Expected success on the second attempt, got %d", ev.Attempts)
	}
}

func TestEngine_SynthesisTimeoutIsFailure(t *testing.T) {
	synth := newFakeSynth()
	synth.hang = true
	sink := &recordingSink{}
	e, log := newTestEngine(t, synth, Options{SynthesisTimeout: 20 * time.Millisecond})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A")

	waitFor(t, "A dropped", func() bool { return len(log.texts(EventDropped)) == 1 })
	if synth.callCount() != 2 {
		t.Errorf("Expected timed out call to be retried once, got %d calls", synth.callCount())
	}
	if len(sink.startedTexts()) != 0 {
		t.Error("Expected nothing played")
	}
}

func TestEngine_ConcurrentEnqueuePreservesOrder(t *testing.T) {
	synth := newFakeSynth()
	sink := &recordingSink{}
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	// Each caller runs on its own goroutine, strictly after the previous one
	for _, text := range []string{"A", "B", "C"} {
		done := make(chan error)
		go func(text string) {
			_, err := e.Enqueue(text, 1)
			done <- err
		}(text)
		if err := <-done; err != nil {
			t.Fatalf("Enqueue(%s): %v", text, err)
		}
	}

	waitFor(t, "A B C", func() bool { return len(sink.completedTexts()) == 3 })
	if got := sink.completedTexts(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected [A B C], got %v", got)
	}
}

func TestEngine_ConcurrentProducersKeepTheirOwnOrder(t *testing.T) {
	synth := newFakeSynth()
	sink := &recordingSink{}
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	const producers, perProducer = 4, 15
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := e.Enqueue(fmt.Sprintf("p%d-%02d", p, i), p); err != nil {
					t.Errorf("Enqueue: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, "everything played", func() bool { return len(sink.completedTexts()) == producers*perProducer })

	last := make(map[string]string)
	for _, text := range sink.completedTexts() {
		producer := text[:2]
		if prev, ok := last[producer]; ok && prev >= text {
			t.Errorf("Producer %s out of order: %s after %s", producer, text, prev)
		}
		last[producer] = text
	}
	if sink.overlapped() {
		t.Error("Expected playback never to overlap")
	}
}

func TestEngine_RebindMidStreamKeepsQueue(t *testing.T) {
	synth := newFakeSynth()
	first := newHoldingSink()
	second := newHoldingSink()
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(first)

	mustEnqueue(t, e, "A", "B", "C")
	// A playing, B prefetched, C pending
	waitFor(t, "A playing with B prefetched", func() bool {
		return e.State() == StatePlaying && synth.callCount() == 2 && e.QueueLen() == 1
	})

	before := e.QueueLen()
	e.RebindOutput(second)
	after := e.QueueLen()
	if before != after {
		t.Errorf("Expected queue length unchanged by rebind, got %d then %d", before, after)
	}

	waitFor(t, "A restarted on new sink", func() bool { return equalStrings(second.startedTexts(), []string{"A"}) })
	for i := 0; i < 3; i++ {
		second.finish(t)
	}
	waitFor(t, "all played", func() bool { return len(log.texts(EventPlayed)) == 3 })

	if got := second.completedTexts(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected [A B C] on new sink, got %v", got)
	}
	if got := first.completedTexts(); len(got) != 0 {
		t.Errorf("Expected nothing completed on old sink, got %v", got)
	}
	if got := first.startedTexts(); !equalStrings(got, []string{"A"}) {
		t.Errorf("Expected old sink to have only started A, got %v", got)
	}
}

func TestEngine_NoSynthesisWithoutOutput(t *testing.T) {
	synth := newFakeSynth()
	e, _ := newTestEngine(t, synth, Options{})

	mustEnqueue(t, e, "A", "B")
	time.Sleep(30 * time.Millisecond)

	if synth.callCount() != 0 {
		t.Errorf("Expected no synthesis while unbound, got %d calls", synth.callCount())
	}
	if e.State() != StateIdle {
		t.Errorf("Expected Idle, got %s", e.State())
	}

	sink := &recordingSink{}
	e.RebindOutput(sink)
	waitFor(t, "A B played", func() bool { return len(sink.completedTexts()) == 2 })
	if got := sink.completedTexts(); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("Expected [A B], got %v", got)
	}
}

func TestEngine_UnbindHoldsCurrentAudio(t *testing.T) {
	synth := newFakeSynth()
	first := newHoldingSink()
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(first)

	mustEnqueue(t, e, "A")
	waitFor(t, "A playing", func() bool { return e.State() == StatePlaying })

	e.RebindOutput(nil)

	snap := e.Snapshot()
	if snap.State != StateIdle || snap.Bound {
		t.Errorf("Expected Idle and unbound, got %s bound=%v", snap.State, snap.Bound)
	}
	if snap.Current == nil || snap.Current.Text != "A" {
		t.Fatalf("Expected A held as current, got %+v", snap.Current)
	}

	second := &recordingSink{}
	e.RebindOutput(second)
	waitFor(t, "A played on new sink", func() bool { return equalStrings(second.completedTexts(), []string{"A"}) })
	if synth.callCount() != 1 {
		t.Errorf("Expected held audio reused without resynthesis, got %d calls", synth.callCount())
	}
}

func TestEngine_ReleaseOutputIgnoresReplacedSink(t *testing.T) {
	e, _ := newTestEngine(t, newFakeSynth(), Options{})
	old := newHoldingSink()
	current := newHoldingSink()

	e.RebindOutput(old)
	e.RebindOutput(current)

	if e.ReleaseOutput(old) {
		t.Error("Expected stale release to be ignored")
	}
	if !e.Snapshot().Bound {
		t.Error("Expected current sink to stay bound")
	}
	if !e.ReleaseOutput(current) {
		t.Error("Expected release of bound sink to succeed")
	}
	if e.Snapshot().Bound {
		t.Error("Expected engine unbound")
	}
}

func TestEngine_StreamErrorCountsAsCompletion(t *testing.T) {
	synth := newFakeSynth()
	broken := errors.New("websocket: close sent")
	sink := &recordingSink{failOn: map[string]error{"A": broken}}
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B")

	waitFor(t, "B played", func() bool { return equalStrings(sink.completedTexts(), []string{"B"}) })
	ev, ok := log.find(EventStreamError, "A")
	if !ok {
		t.Fatal("Expected stream error event for A")
	}
	var streamErr *StreamError
	if !errors.As(ev.Err, &streamErr) || !errors.Is(ev.Err, broken) {
		t.Errorf("Expected StreamError wrapping sink error, got %v", ev.Err)
	}
	if got := sink.startedTexts(); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("Expected A not retried, got %v", got)
	}
}

func TestEngine_PrefetchDepthIsOne(t *testing.T) {
	synth := newFakeSynth()
	sink := newHoldingSink()
	e, _ := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B", "C", "D")
	waitFor(t, "A playing and B prefetched", func() bool {
		return e.State() == StatePlaying && synth.callCount() == 2
	})
	time.Sleep(30 * time.Millisecond)
	if got := synth.callTexts(); !equalStrings(got, []string{"A", "B"}) {
		t.Fatalf("Expected only A and B requested while A plays, got %v", got)
	}

	sink.finish(t)
	waitFor(t, "C prefetched while B plays", func() bool { return synth.callCount() == 3 })
	time.Sleep(30 * time.Millisecond)
	if got := synth.callTexts(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected D not requested yet, got %v", got)
	}
}

func TestEngine_QueueFull(t *testing.T) {
	e, _ := newTestEngine(t, newFakeSynth(), Options{MaxQueue: 1})

	if _, err := e.Enqueue("A", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.Enqueue("B", 1); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestEngine_ShutdownDiscardsEverything(t *testing.T) {
	synth := newFakeSynth()
	gateA := synth.gate("A")
	sink := newHoldingSink()
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A", "B", "C")
	waitFor(t, "synthesizing A", func() bool { return e.State() == StateSynthesizing })

	e.Shutdown()
	close(gateA)

	if e.State() != StateDraining {
		t.Errorf("Expected Draining, got %s", e.State())
	}
	if _, err := e.Enqueue("D", 1); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed, got %v", err)
	}
	if got := log.texts(EventDiscarded); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected A B C discarded, got %v", got)
	}

	time.Sleep(30 * time.Millisecond)
	if len(sink.startedTexts()) != 0 {
		t.Error("Expected no audio after shutdown")
	}

	// Calls after shutdown are no-ops
	e.SkipCurrent()
	e.RebindOutput(&recordingSink{})
	e.Shutdown()
}

func TestEngine_ShutdownStopsPlayback(t *testing.T) {
	sink := newHoldingSink()
	e, _ := newTestEngine(t, newFakeSynth(), Options{})
	e.RebindOutput(sink)

	mustEnqueue(t, e, "A")
	waitFor(t, "A playing", func() bool { return e.State() == StatePlaying })

	e.Shutdown()

	select {
	case <-e.Done():
	default:
		t.Fatal("Expected Done closed after Shutdown returns")
	}
	if len(sink.completedTexts()) != 0 {
		t.Error("Expected playback cut off")
	}
}

func TestSynthesizedAudio_Duration(t *testing.T) {
	a := &SynthesizedAudio{PCM: make([]byte, 16000), SampleRate: 8000, Channels: 1}
	if d := a.Duration(); d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}
	if d := (&SynthesizedAudio{}).Duration(); d != 0 {
		t.Errorf("Expected 0 for empty audio, got %v", d)
	}
}

func TestEngine_ClosedOutputHoldsBacklogUntilRebind(t *testing.T) {
	synth := newFakeSynth()
	gone := newClosingSink()
	e, log := newTestEngine(t, synth, Options{})
	e.RebindOutput(gone)

	mustEnqueue(t, e, "A", "B", "C")
	waitFor(t, "A playing", func() bool { return equalStrings(gone.startedTexts(), []string{"A"}) })
	waitFor(t, "B prefetched", func() bool { return equalStrings(log.texts(EventSynthesized), []string{"A", "B"}) })

	gone.close()
	waitFor(t, "output unbound", func() bool { return !e.Snapshot().Bound })

	snap := e.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected Idle while unbound, got %s", snap.State)
	}
	if snap.Current == nil || snap.Current.Text != "A" {
		t.Fatalf("Expected A held as current, got %+v", snap.Current)
	}
	if got := gone.startedTexts(); !equalStrings(got, []string{"A"}) {
		t.Errorf("Expected nothing else played into the closed output, got %v", got)
	}
	if e.ReleaseOutput(gone) {
		t.Error("Expected release of the already unbound sink to be a no-op")
	}

	fresh := &recordingSink{}
	e.RebindOutput(fresh)
	waitFor(t, "backlog played on new output", func() bool {
		return equalStrings(fresh.completedTexts(), []string{"A", "B", "C"})
	})

	if got := log.texts(EventStreamError); len(got) != 0 {
		t.Errorf("Expected no stream errors, got %v", got)
	}
	if got := log.texts(EventPlayed); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("Expected A, B, C played, got %v", got)
	}
	if synth.callCount() != 3 {
		t.Errorf("Expected held audio reused without resynthesis, got %d calls", synth.callCount())
	}
}

func TestEngine_NoPlaybackStartsAfterShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		e, log := newTestEngine(t, newFakeSynth(), Options{})
		mustEnqueue(t, e, "A")
		waitFor(t, "A synthesized", func() bool { return len(log.texts(EventSynthesized)) == 1 })

		// Hold the loop so shutdown and the rebind are both pending when it
		// next selects.
		gate := make(chan struct{})
		go e.do(func() { <-gate })

		sink := &blockingSink{}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Shutdown()
		}()
		waitFor(t, "shutdown requested", func() bool { return e.ctx.Err() != nil })
		go func() {
			defer wg.Done()
			e.RebindOutput(sink)
		}()
		time.Sleep(2 * time.Millisecond)
		close(gate)
		wg.Wait()

		if n := sink.playCalls(); n != 0 {
			t.Fatalf("Iteration %d: expected no Play after shutdown, got %d", i, n)
		}
	}
}
