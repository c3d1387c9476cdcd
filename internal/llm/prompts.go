package llm

import (
	"fmt"
	"strings"
)

const reflectionSystem = `You consolidate an agent's long-term memory. Given several memories
recorded under one topic, write a reflection that captures what they have
in common: recurring patterns, the most important lessons, and any
contradictions worth keeping in mind.

Rules:
- At most 150 words of plain prose, no headers or lists
- Generalize instead of restating each memory
- Do not invent facts the memories do not support
- Reply with the reflection text only`

// ReflectionPrompt builds the synthesis request for the memories recorded
// under topic, one source per record.
func ReflectionPrompt(topic string, sources []string) Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "TOPIC: %s\n\nMEMORIES:\n", topic)
	for i, s := range sources {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(s))
	}
	return Prompt{System: reflectionSystem, User: b.String()}
}
