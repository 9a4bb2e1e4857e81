package qdrant

// Document is a stored point plus its payload. Score is only populated on
// search results, where it carries the cosine similarity in [-1,1].
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
	Vector   []float32
	Score    float64
}

func NewDocument(id, content string, vector []float32, metadata map[string]any) *Document {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["content"] = content
	return &Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
		Vector:   vector,
	}
}
