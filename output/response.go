package output

import (
	"encoding/base64"

	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/ziya-twin/model"
)

// Messages returned to callers in the "error" field.
const (
	MsgMissingAudio         = "Ses dosyası bulunamadı!"
	MsgTranscriptionFailed  = "Ses tanıma hatası!"
	MsgTranscriptionTimeout = "Ses tanıma zaman aşımına uğradı!"
	MsgTranscriberDown      = "Ses tanıma servisine ulaşılamadı!"
	MsgReplyFailed          = "Yanıt oluşturulamadı!"
	MsgSynthesisFailed      = "Seslendirme hatası!"
	MsgUnexpected           = "Beklenmeyen hata!"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Encode builds the success payload, base64-encoding the audio.
func Encode(text model.ReplyText, audio model.SynthesizedAudio) model.ServiceResponse {
	return model.ServiceResponse{
		Text:  string(text),
		Audio: base64.StdEncoding.EncodeToString(audio),
	}
}

// Decode restores the synthesized audio from a success payload.
func Decode(resp model.ServiceResponse) (model.SynthesizedAudio, error) {
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, errors.Wrap(err, "decode audio")
	}
	return model.SynthesizedAudio(audio), nil
}

func ErrorPayload(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}
