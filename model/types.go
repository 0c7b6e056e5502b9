package model

// AudioUpload is the raw audio file posted by the caller.
type AudioUpload []byte

// Transcript is the text produced by the transcription provider.
type Transcript string

// ReplyText is the first choice returned by the chat model.
type ReplyText string

// SynthesizedAudio is the audio returned by the speech synthesis provider.
type SynthesizedAudio []byte

// JobStatus is the lifecycle state of a transcription job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// TranscriptionJob mirrors the provider's job resource. Text is nil until the
// provider has produced a transcript.
type TranscriptionJob struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Text   *string   `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// ChatExchange is the two-message conversation sent to the chat model.
type ChatExchange struct {
	System string
	User   Transcript
}

// ServiceResponse is the body returned to the caller on success.
type ServiceResponse struct {
	Text  string `json:"text"`
	Audio string `json:"audio"`
}
