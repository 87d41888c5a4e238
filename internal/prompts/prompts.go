package prompts

// EndSentinel is emitted by the generator when it decides the conversation
// has reached a natural close.
const EndSentinel = "<end conversation>"

// DefaultSystem is the crisis-support system prompt. The sentinel contract at
// the end is what lets the generator signal end-of-conversation.
const DefaultSystem = `You are a compassionate multilingual crisis-support worker on a telephone line.
Comfort callers and ask how they are feeling.
Follow the steps, not in any particular order:
1. Ask the caller their name and where they are from.
2. Ask them why they are feeling down.
3. Help them feel heard and safer.
Keep replies short and spoken-word natural; this is a voice call.
If you think the caller has been comforted and the conversation should end, respond with ` + EndSentinel + `.`

// RegenerationFeedback is appended as a system message when a candidate reply
// was rejected by the output guardrail and must be regenerated.
const RegenerationFeedback = "Your previous reply was rejected by a safety review. " +
	"Produce a different reply that is supportive and contains nothing that could be read as harmful or dangerous."

// FallbackScript is spoken when the pipeline cannot produce a reply but the
// call continues.
const FallbackScript = "I'm sorry, I didn't catch that properly. I'm still here with you. Please go on."

// ClosingScript is spoken before a safety-forced disconnect.
const ClosingScript = "I'm sorry, I'm unable to continue this conversation right now. " +
	"Please call back any time, or reach a local crisis line if you need someone immediately. Take care of yourself."

// ForCall resolves the final system prompt for a call.
func ForCall(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// MemoryContext wraps retrieved caller memory into a system message.
func MemoryContext(context string) string {
	return "Relevant context from earlier in this caller's sessions:\n" + context
}
