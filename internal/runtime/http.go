package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/fault"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

const maxUploadBytes = 50 << 20

type api struct {
	speech *speech.Service
	logger *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/voices", a.handleListVoices)
	mux.HandleFunc("POST /v1/voices", a.handleCloneVoice)
	mux.HandleFunc("DELETE /v1/voices/{name}", a.handleDeleteVoice)
	mux.HandleFunc("POST /v1/speech", a.handleSpeech)
	mux.HandleFunc("GET /v1/jobs", a.handleJobs)
}

type voiceView struct {
	Name string `json:"name"`
	Text string `json:"reference_text"`
}

func viewOf(ref voice.Reference) voiceView {
	return voiceView{Name: ref.Name, Text: ref.Text}
}

func (a *api) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	refs, err := a.speech.ListVoices()
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]voiceView, 0, len(refs))
	for _, ref := range refs {
		views = append(views, viewOf(ref))
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": views})
}

// handleCloneVoice takes a multipart form with name, text and an audio file.
func (a *api) handleCloneVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.writeError(w, fault.Input(err))
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		a.writeError(w, fault.Reference(r.FormValue("name"), errors.Join(fault.ErrReferenceAudioMissing, err)))
		return
	}
	defer file.Close()

	ref, err := a.speech.CloneVoice(r.Context(), r.FormValue("name"), r.FormValue("text"), file)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(ref))
}

func (a *api) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	if err := a.speech.DeleteVoice(r.PathValue("name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSpeech runs a job and answers with the WAV. The audio is rendered
// into a temp file that is removed once served; nothing stays on disk.
func (a *api) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speech.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		a.writeError(w, fault.Input(err))
		return
	}
	// Clients never choose paths on the server.
	req.OutputPath = ""

	res, err := a.speech.Generate(r.Context(), req, nil)
	if err != nil {
		a.writeError(w, err)
		return
	}
	f, err := os.CreateTemp("", "loqa-speech-*.wav")
	if err != nil {
		a.writeError(w, fault.Output(err))
		return
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := audio.EncodeWAV(f, res.Audio); err != nil {
		a.writeError(w, fault.Output(err))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		a.writeError(w, fault.Output(err))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Loqa-Job-Id", res.JobID)
	w.Header().Set("X-Loqa-Chunks", strconv.Itoa(res.Chunks))
	w.Header().Set("X-Loqa-Elapsed", speech.FormatDuration(res.Elapsed))
	http.ServeContent(w, r, res.JobID+".wav", time.Now(), f)
}

func (a *api) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := a.speech.Jobs(r.Context(), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type errorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Voice      string `json:"voice,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	if fe, ok := fault.As(err); ok {
		body.Kind = string(fe.Kind)
		body.Stage = string(fe.Stage)
		body.Voice = fe.Voice
		if fe.ChunkIndex != fault.NoChunk {
			idx := fe.ChunkIndex
			body.ChunkIndex = &idx
		}
		status = statusFor(fe)
	}
	if status >= 500 {
		a.logger.Warn("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func statusFor(fe *fault.Error) int {
	switch fe.Kind {
	case fault.KindInput:
		if errors.Is(fe, voice.ErrVoiceExists) {
			return http.StatusConflict
		}
		var tooLarge *http.MaxBytesError
		if errors.As(fe, &tooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case fault.KindReference:
		if errors.Is(fe, fault.ErrVoiceNotFound) {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case fault.KindModelInference:
		return http.StatusBadGateway
	case fault.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
