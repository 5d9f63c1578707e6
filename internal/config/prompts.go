package config

// DefaultSummaryPrompt condenses evicted conversation history. {current_summary}
// is the previous summary (may be empty) and {json} is the JSON array of
// messages being folded in.
const DefaultSummaryPrompt = `You maintain a running summary of a conversation between a user and their assistant.

Current summary:
{current_summary}

New messages to incorporate, as a JSON array in chronological order:
{json}

Write an updated summary that preserves commitments, open questions, stated preferences and concrete facts (names, dates, amounts). Keep it under 400 words. Respond with the summary text only.`

// DefaultExtractionPrompt asks the batch model for long-term memories. The
// conversation transcript is appended after the prompt; {existing_memories}
// lists already stored facts so the model avoids duplicates.
const DefaultExtractionPrompt = `Extract durable facts about the user from the conversation below. Only include things worth remembering for months: stable preferences, relationships, goals, recurring commitments, biographical facts.

Already known (do not repeat):
{existing_memories}

Respond with a JSON array, possibly empty, of objects:
[{"text": "<one self-contained fact>", "memory_type": "user_fact|preference|event|conversation_insight|extracted_knowledge", "importance": <1-10>}]

No prose outside the JSON.`
