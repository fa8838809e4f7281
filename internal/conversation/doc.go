// Package conversation holds the orchestrator, the single source of truth for
// whether the automated agent may act on a conversation.
//
// # State machine
//
// A conversation is either bot-owned or human-owned. Bot-owned is the implicit
// initial state: a conversation the escalation registry has never seen belongs
// to the bot. Transitions:
//
//	bot -> human: assistant reply carries an escalation signal
//	bot -> human: assistant call fails irrecoverably (degraded path)
//	bot -> human: platform reports reassignment to a non-bot agent
//	human -> bot: operator message matches a resolution keyword
//	human -> bot: platform reports reassignment to the bot
//	any  -> bot: explicit reset (also clears the assistant session)
//
// While human-owned, the orchestrator submits nothing to the assistant and
// sends no assistant-authored text. That silence is deliberate, not an error.
//
// # Failure posture
//
// The orchestrator's operations are invoked fire-and-forget from the webhook
// ingress, so nothing propagates past them except input validation. Assistant
// failures collapse into a degraded path that apologizes to the user and
// forces an escalation; delivery failures are logged and abandoned (there is
// no queue to retry from).
package conversation
