package rag

import "strings"

// PromptTemplate is swappable configuration data, not code: the answer
// generator renders whichever named template it was given.
type PromptTemplate struct {
	Name string
	Text string // uses {context}, {question} and {language} slots
}

func (t PromptTemplate) Render(contextText, question, language string) string {
	return strings.NewReplacer(
		"{context}", contextText,
		"{question}", question,
		"{language}", language,
	).Replace(t.Text)
}

var templates = map[string]PromptTemplate{
	"default": {
		Name: "default",
		Text: `You are a helpful support assistant.
Answer the question based ONLY on the context below, in the language "{language}".
If the answer is not in the context, say "I don't know." Do not make anything up.

Context:
{context}

Question: {question}

Answer:`,
	},
	"strict": {
		Name: "strict",
		Text: `Role: support assistant.
Task: answer the query using only the retrieved documents, in the language "{language}".
Verification: if the answer is not found in the documents, state "I cannot find this information".

Documents:
{context}

Query: {question}

Response:`,
	},
}

// TemplateByName returns the named template, falling back to the default.
func TemplateByName(name string) PromptTemplate {
	if t, ok := templates[name]; ok {
		return t
	}
	return templates["default"]
}
