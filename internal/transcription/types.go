package transcription

// GenerateContentRequest is the body of a streamGenerateContent call.
type GenerateContentRequest struct {
	Contents []Content `json:"contents"`
}

// Content is one turn of the request or one candidate's answer.
type Content struct {
	Parts []Part `json:"parts"`
}

// Part carries either text or inline binary data.
type Part struct {
	Text       *string     `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData is base64 encoded media sent inline with the request.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// GenerateContentResponse is one JSON fragment of the streamed response.
// Every level is optional; the backend omits fields freely between fragments.
type GenerateContentResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content      *Content `json:"content"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// Text walks candidates[0].content.parts[0].text.
// ok is false when any level is absent or empty.
func (r *GenerateContentResponse) Text() (text string, ok bool) {
	if r == nil || len(r.Candidates) == 0 {
		return "", false
	}
	content := r.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return "", false
	}
	t := content.Parts[0].Text
	if t == nil {
		return "", false
	}
	return *t, true
}
