package loop

import (
	"context"
	"errors"
	"time"

	"github.com/agusx1211/letthemcook/internal/debug"
	"github.com/agusx1211/letthemcook/internal/director"
	"github.com/agusx1211/letthemcook/internal/interrupt"
	"github.com/agusx1211/letthemcook/internal/mode"
	"github.com/agusx1211/letthemcook/internal/stream"
	"github.com/agusx1211/letthemcook/internal/turn"
	"github.com/agusx1211/letthemcook/internal/worker"
)

// Everything in this file runs on the Run goroutine.

func (l *Loop) observe(ctx context.Context, ev stream.Event) {
	if l.Hooks.OnEvent != nil {
		l.Hooks.OnEvent(ev)
	}
	l.Display.Handle(ev)

	if ev.Kind == stream.KindSessionInit && ev.Payload.SessionID != "" && l.handle != nil {
		if l.handle.SessionID() != ev.Payload.SessionID {
			l.handle.SetSessionID(ev.Payload.SessionID)
			debug.LogKV("loop", "worker session", "session_id", ev.Payload.SessionID, "launch", l.handle.Launch)
			if l.Hooks.OnWorkerSession != nil {
				l.Hooks.OnWorkerSession(ev.Payload.SessionID)
			}
		}
	}

	if sig, ok := l.detector.Observe(ev); ok {
		l.onTurnClosed(ctx, sig)
	}
}

func (l *Loop) onTurnClosed(ctx context.Context, sig turn.Signal) {
	l.mu.Lock()
	l.turns++
	l.mu.Unlock()
	if l.Hooks.OnTurn != nil {
		l.Hooks.OnTurn(sig)
	}
	if sig.Err != nil && sig.Reason != turn.ReasonIncomplete {
		l.Display.Warn("Turn %d ended with an error: %v", sig.TurnID, sig.Err)
	}

	st := l.State()
	if st != StateRunning {
		debug.LogKV("loop", "turn closed outside running", "turn", sig.TurnID, "state", st)
		return
	}
	if !l.Mode.ConsultsDirector() {
		return
	}
	if l.Mode.Observing() {
		if sig.Reason == turn.ReasonError {
			return
		}
		l.requestDecision(ctx, sig)
		return
	}
	if sig.Reason == turn.ReasonIncomplete {
		l.Display.Warn("Worker stopped in the middle of a tool call: %v", sig.Err)
		l.suspend(ctx, "incomplete turn")
		return
	}
	if l.MaxTurns > 0 && l.autoSentCount() >= l.MaxTurns {
		l.Display.Info("Reached the limit of %d automatic instructions.", l.MaxTurns)
		l.terminate("max turns reached", nil)
		return
	}
	l.requestDecision(ctx, sig)
}

func (l *Loop) autoSentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.autoSent
}

func (l *Loop) requestDecision(ctx context.Context, sig turn.Signal) {
	if l.Director == nil {
		l.suspend(ctx, "no director configured")
		return
	}
	l.setState(StateAwaitingDecision)
	l.decisionGen++
	l.attempts = 0
	l.callDirector(ctx, l.decisionGen, sig)
}

func (l *Loop) callDirector(ctx context.Context, gen int, sig turn.Signal) {
	view := l.Transcript.Window(l.Window)
	req := director.Request{
		View:       view,
		Task:       l.Task,
		Latest:     view.LastAssistantText(),
		Mode:       l.Mode,
		Aggressive: l.Aggressive,
	}
	callCtx, cancel := context.WithCancel(ctx)
	l.cancelCall = cancel
	debug.LogKV("loop", "consulting director", "turn", sig.TurnID, "gen", gen, "attempt", l.attempts+1, "view_events", view.Len())

	go func() {
		defer cancel()
		d, err := l.Director.Decide(callCtx, req)
		l.post(ctx, func() { l.onDecision(ctx, gen, sig, d, err) })
	}()
}

// decisionCurrent reports whether a result for gen may still act. A Trigger
// the loop has not processed yet already makes every result stale.
func (l *Loop) decisionCurrent(gen int) bool {
	return gen == l.decisionGen && l.State() == StateAwaitingDecision &&
		l.Interrupts.State() == interrupt.Running
}

func (l *Loop) onDecision(ctx context.Context, gen int, sig turn.Signal, d director.Decision, err error) {
	if !l.decisionCurrent(gen) {
		debug.LogKV("loop", "stale decision discarded", "turn", sig.TurnID, "gen", gen, "current_gen", l.decisionGen, "kind", d.Kind, "error", err)
		return
	}
	l.cancelCall = nil

	if err != nil {
		l.attempts++
		if l.attempts < l.DirectorRetries && ctx.Err() == nil {
			backoff := retryDelay(l.RetryBackoff, l.attempts)
			l.Display.Warn("Director unavailable (attempt %d/%d), retrying in %s: %v", l.attempts, l.DirectorRetries, backoff, err)
			l.after(ctx, backoff, func() {
				if l.decisionCurrent(gen) {
					l.callDirector(ctx, gen, sig)
				}
			})
			return
		}
		l.Display.Error("Director unavailable after %d attempts: %v (%s)", l.attempts, err, l.failureContext())
		l.reportError(err)
		l.suspend(ctx, "director unavailable")
		return
	}

	if d.Kind == director.Stop && l.Mode == mode.Relentless {
		debug.LogKV("loop", "stop overridden", "turn", sig.TurnID, "mode", l.Mode)
		d = director.Decision{Kind: director.Instruct, Instruction: director.KeepGoing}
	}
	debug.LogKV("loop", "decision", "turn", sig.TurnID, "kind", d.Kind)
	if l.Hooks.OnDecision != nil {
		l.Hooks.OnDecision(sig.TurnID, d)
	}

	switch d.Kind {
	case director.Stop:
		l.Display.Info("Director says the task is complete.")
		l.terminate("task complete", nil)
	case director.Silent:
		if l.Mode == mode.Watch {
			l.setState(StateRunning)
			return
		}
		l.Display.Info("Task complete or needs user input.")
		l.suspend(ctx, "director handed control back")
	case director.Instruct:
		l.after(ctx, l.SendDelay, func() {
			if !l.decisionCurrent(gen) {
				debug.LogKV("loop", "scheduled instruction discarded", "turn", sig.TurnID, "gen", gen)
				return
			}
			l.mu.Lock()
			l.autoSent++
			l.mu.Unlock()
			l.setState(StateRunning)
			l.queueSend(ctx, stream.SourceDirector, d.Instruction)
		})
	}
}

// queueSend delivers text to the worker, holding it until the running worker
// exits. Only the newest queued instruction is kept.
func (l *Loop) queueSend(ctx context.Context, source, text string) {
	l.mu.Lock()
	l.lastInstr = text
	l.mu.Unlock()

	out := &outgoing{source: source, text: text}
	if l.sending || (l.handle != nil && l.handle.Running()) {
		if l.pending != nil {
			debug.LogKV("loop", "queued instruction replaced", "old_source", l.pending.source, "new_source", source)
		}
		l.pending = out
		return
	}
	l.dispatch(ctx, out)
}

// dispatch records the instruction and launches the worker off the loop
// goroutine. Automatic sends are gated on the interrupt state so none can
// reach the worker after a suspension.
func (l *Loop) dispatch(ctx context.Context, out *outgoing) {
	l.sending = true
	manual := l.State() == StateManual
	prev := l.handle
	if l.Recorder != nil {
		l.Recorder.SetTurn(l.detector.TurnID() + 1)
	}

	go func() {
		var (
			h   *worker.Handle
			err error
		)
		send := func() {
			if !l.Tailer.Record(ctx, stream.NewInstruction(out.source, out.text)) {
				err = ctx.Err()
				return
			}
			if prev == nil {
				h, err = l.Worker.Start(ctx, out.text)
			} else {
				h, err = l.Worker.Resume(ctx, prev, out.text)
			}
		}
		sent := true
		if manual {
			send()
		} else {
			sent = l.Interrupts.IfRunning(send)
		}
		l.post(ctx, func() { l.onLaunched(ctx, out, h, err, sent) })
	}()
}

func (l *Loop) onLaunched(ctx context.Context, out *outgoing, h *worker.Handle, err error, sent bool) {
	l.sending = false
	if !sent {
		debug.LogKV("loop", "instruction discarded after suspension", "source", out.source)
		if out.source == stream.SourceHuman {
			l.pending = out
		}
		return
	}
	if err != nil {
		if errors.Is(err, worker.ErrStillRunning) {
			l.pending = out
			return
		}
		if ctx.Err() != nil {
			return
		}
		l.onCrash(ctx, err)
		return
	}
	debug.LogKV("loop", "worker launched", "launch", h.Launch, "source", out.source)
	l.handle = h
	l.doneCh = h.Done()
}

func (l *Loop) onWorkerExit(ctx context.Context, h *worker.Handle) {
	err := h.Err()
	debug.LogKV("loop", "worker exited", "launch", h.Launch, "error", err)
	go func() {
		fctx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
		if ferr := l.Tailer.Flush(fctx); ferr != nil {
			debug.LogKV("loop", "flush after exit failed", "error", ferr)
		}
		l.post(ctx, func() { l.afterWorkerFlushed(ctx, h, err) })
	}()
}

// afterWorkerFlushed runs once everything the exited worker wrote is in the
// transcript.
func (l *Loop) afterWorkerFlushed(ctx context.Context, h *worker.Handle, err error) {
	l.drainEvents(ctx)
	if l.State() == StateTerminated {
		return
	}

	switch {
	case err == nil:
		if !l.Mode.Observing() {
			if sig, ok := l.detector.ControlReturned(nil); ok {
				l.onTurnClosed(ctx, sig)
			}
		}
	case errors.Is(err, worker.ErrInterrupted):
		debug.LogKV("loop", "worker stopped after interrupt", "launch", h.Launch)
	default:
		l.onCrash(ctx, err)
	}

	if l.State() == StateTerminated {
		return
	}
	if l.pending != nil && !l.sending && (l.handle == nil || !l.handle.Running()) {
		out := l.pending
		l.pending = nil
		l.dispatch(ctx, out)
		return
	}
	if l.State() == StateManual && !l.sending {
		l.prompt(ctx)
	}
}

// record queues a synthetic event without blocking the loop goroutine.
func (l *Loop) record(ctx context.Context, ev stream.Event) {
	l.records.Add(1)
	go func() {
		defer l.records.Done()
		l.Tailer.Record(ctx, ev)
	}()
}

// drainEvents observes whatever the tailer has already published.
func (l *Loop) drainEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return
			}
			l.observe(ctx, ev)
		default:
			return
		}
	}
}

func (l *Loop) onCrash(ctx context.Context, err error) {
	l.record(ctx, stream.NewError("worker crashed: "+err.Error()))
	l.Display.Error("Worker crashed: %v (%s)", err, l.failureContext())
	var ce *worker.CrashError
	if errors.As(err, &ce) && ce.Stderr != "" {
		l.Display.Error("stderr: %s", ce.Stderr)
	}
	l.reportError(err)

	switch st := l.State(); {
	case st == StateManual:
		l.prompt(ctx)
	case st == StateSuspended:
	case l.Mode.Observing():
	default:
		l.suspend(ctx, "worker crashed")
	}
}

// suspend hands control to the human. The coordinator is told off the loop
// goroutine; the local transition happens immediately.
func (l *Loop) suspend(ctx context.Context, reason string) {
	go l.Interrupts.Trigger(reason)
	l.onSuspended(ctx, reason)
}

func (l *Loop) onSuspended(ctx context.Context, reason string) {
	st := l.State()
	if st == StateSuspended || st == StateTerminated {
		return
	}
	l.decisionGen++
	if l.cancelCall != nil {
		l.cancelCall()
		l.cancelCall = nil
	}
	if l.pending != nil && l.pending.source != stream.SourceHuman {
		debug.LogKV("loop", "queued instruction dropped on suspend", "source", l.pending.source)
		l.pending = nil
	}
	l.setState(StateSuspended)
	if reason == "" {
		reason = "interrupted"
	}
	l.Display.Warn("Paused (%s). Type a message for the worker, /stay for manual control, /auto to resume, /quit to exit.", reason)
	l.prompt(ctx)
}

func (l *Loop) prompt(ctx context.Context) {
	if l.prompting {
		return
	}
	if l.Input == nil {
		l.Display.Warn("No input available; stopping.")
		l.terminate("no input", nil)
		return
	}
	l.prompting = true
	go func() {
		cmd, err := l.Interrupts.Prompt(ctx, l.Input)
		l.post(ctx, func() {
			l.prompting = false
			l.onCommand(ctx, cmd, err)
		})
	}()
}

func (l *Loop) rearm() {
	l.suspendedCh = l.Interrupts.Suspended()
}

func (l *Loop) onCommand(ctx context.Context, cmd interrupt.Command, err error) {
	if l.State() == StateTerminated {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Display.Error("Reading input failed: %v", err)
		l.terminate("input failed", err)
		return
	}
	debug.LogKV("loop", "human command", "kind", cmd.Kind, "state", l.State())

	switch cmd.Kind {
	case interrupt.Quit:
		l.terminate("quit", nil)

	case interrupt.Stay:
		l.setState(StateManual)
		l.Display.Info("Manual control. Messages go straight to the worker; /auto hands control back.")
		if !l.sending && (l.handle == nil || !l.handle.Running()) {
			l.prompt(ctx)
		}

	case interrupt.Auto:
		if l.Task == "" && l.handle == nil && !l.Mode.Observing() {
			l.Display.Warn("Nothing to drive yet. Type what the worker should do.")
			l.prompt(ctx)
			return
		}
		l.Interrupts.Resume()
		l.rearm()
		l.setState(StateRunning)
		l.Display.Info("Automatic driving resumed.")
		if l.Mode.Observing() || l.sending || l.pending != nil || (l.handle != nil && l.handle.Running()) {
			if l.pending != nil && !l.sending && (l.handle == nil || !l.handle.Running()) {
				out := l.pending
				l.pending = nil
				l.dispatch(ctx, out)
			}
			return
		}
		if l.Mode.ConsultsDirector() {
			l.requestDecision(ctx, turn.Signal{TurnID: l.detector.TurnID()})
		}

	case interrupt.Message:
		switch l.State() {
		case StateManual:
			msg, _ := l.Interrupts.Take()
			l.queueSend(ctx, stream.SourceHuman, msg)
		case StateIdle:
			msg, _ := l.Interrupts.Take()
			l.Task = msg
			l.setState(StateRunning)
			l.queueSend(ctx, stream.SourceTask, msg)
		default:
			msg, _ := l.Interrupts.Resume()
			l.rearm()
			source := stream.SourceHuman
			if l.Task == "" {
				l.Task = msg
				source = stream.SourceTask
			}
			l.setState(StateRunning)
			l.queueSend(ctx, source, msg)
		}
	}
}

// retryDelay is the wait before the n-th director retry.
func retryDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}
