package upload

// Result is the per-file outcome reported to clients.
type Result struct {
	OriginalName string `json:"originalName"`
	Filename     string `json:"filename"`
	Path         string `json:"path,omitempty"`
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Size         int64  `json:"size,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	MIME         string `json:"mime,omitempty"`
}

func failed(original, sanitized string, err error) Result {
	return Result{OriginalName: original, Filename: sanitized, Message: Message(err)}
}
