package ws

import (
	"context"
	"runtime/debug"

	"github.com/tcriess/lightspeed-session/completion"
	"github.com/tcriess/lightspeed-session/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// startOpening requests the opening question of an AI practice session, at most once per session. If the
// completion fails, a later join may try again.
func (g *Gateway) startOpening(session *types.Session) {
	g.Lock()
	if _, ok := g.openings[session.Id]; ok {
		g.Unlock()
		return
	}
	g.openings[session.Id] = struct{}{}
	g.Unlock()

	sessionId := session.Id
	g.complete(sessionId, "opening", completion.OpeningPrompt(session.Topic), func() {
		g.Lock()
		delete(g.openings, sessionId)
		g.Unlock()
	})
}

// complete runs the completion in its own goroutine and broadcasts the result to the session's room as ai-message,
// whoever is in the room by then. A failure only calls onFailure (may be nil). After Shutdown nothing is started.
func (g *Gateway) complete(sessionId, kind, prompt string, onFailure func()) {
	g.Lock()
	if g.closed {
		g.Unlock()
		return
	}
	g.tasks.Add(1)
	g.Unlock()
	go func() {
		defer g.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("panic in completion", "session", sessionId, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		ctx := g.ctx
		if timeout := g.cfg.AIConfig.Timeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		text, err := g.completer.Complete(ctx, prompt)
		if err != nil {
			g.logger.Warn("completion failed", "session", sessionId, "kind", kind, "error", err)
			g.metrics.AICompletions.Add(g.ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", "failed")))
			if onFailure != nil {
				onFailure()
			}
			return
		}
		g.metrics.AICompletions.Add(g.ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", "ok")))
		g.broadcast(sessionId, types.EventAIMessage, types.AIMessage{
			Username:  types.AIModeratorName,
			Message:   text,
			Timestamp: g.now().UTC(),
		}, nil)
	}()
}
