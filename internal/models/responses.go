package models

// Descriptor types returned by the resolve endpoints
const (
	DescriptorSingle = "single"
	DescriptorMerged = "merged"
)

// VideoDescriptor is the JSON body of the resolve endpoints
type VideoDescriptor struct {
	Type              string `json:"type"`
	FileName          string `json:"file_name,omitempty"`
	BlobURL           string `json:"blob_url,omitempty"`
	MP4StreamURL      string `json:"mp4_stream_url,omitempty"`
	CombinedStreamURL string `json:"combined_stream_url,omitempty"`
	Count             int    `json:"count,omitempty"`
}

// UploadResponse represents the response for an upload operation
type UploadResponse struct {
	Message string   `json:"message"`
	URL     string   `json:"url"`
	Segment *Segment `json:"segment"`
}

// ErrorResponse is the structured error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
