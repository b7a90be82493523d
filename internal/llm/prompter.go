package llm

import "fmt"

const summarizeSystem = "You are a helpful assistant that summarizes documents. " +
	"You reply with concise, factual bullet points and nothing else."

const summarizeInstruction = "Summarize the document above as a short list of bullet points. " +
	"Capture the key facts, decisions, and conclusions. Do not add commentary."

const extractSystem = "You are a data extraction assistant. You reply with a single JSON value " +
	"and no surrounding prose. The JSON must validate against the schema the user provides."

// Summarize builds the message list for one summarization chunk.
func Summarize(content string) []Message {
	return []Message{
		{Role: "system", Content: summarizeSystem},
		{Role: "user", Content: content},
		{Role: "user", Content: summarizeInstruction},
	}
}

// QuickQuestion builds the message list for a plain question with no schema.
func QuickQuestion(question string) []Message {
	return []Message{
		{Role: "system", Content: "You are a helpful assistant. Answer the question as JSON: " +
			`{"answer": "<your answer>"}`},
		{Role: "user", Content: question},
	}
}

// JSONSchemaExtraction builds the message list for schema-constrained
// extraction from the given input text.
func JSONSchemaExtraction(inputData, userRequest, outputSchema string) []Message {
	prompt := fmt.Sprintf(
		"%s\n\nRespond with JSON that validates against this JSON Schema:\n%s",
		userRequest, outputSchema,
	)
	return []Message{
		{Role: "system", Content: extractSystem},
		{Role: "user", Content: inputData},
		{Role: "user", Content: prompt},
	}
}
