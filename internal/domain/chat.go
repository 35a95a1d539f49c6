package domain

// ChatMessage is one turn of a chat completion request, built by the
// matcher and sent by the OpenAI client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
