// Package fault defines the failure taxonomy shared by the speech pipeline.
//
// Every failure that leaves the pipeline is a *Error carrying the stage it
// happened in, the voice it was running for and, for synthesis failures, the
// chunk index. Callers branch on Kind or on the sentinel errors with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInput          Kind = "input"
	KindReference      Kind = "reference"
	KindModelInference Kind = "model_inference"
	KindAssembly       Kind = "assembly"
	KindOutput         Kind = "output"
	KindCancelled      Kind = "cancelled"
)

// Stage names the pipeline step a failure was raised in.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageReference Stage = "reference"
	StageChunk     Stage = "chunk"
	StageGenerate  Stage = "generate"
	StageAssemble  Stage = "assemble"
	StageOutput    Stage = "output"
)

// NoChunk marks failures that are not tied to a chunk.
const NoChunk = -1

var (
	ErrEmptyText             = errors.New("input text is empty")
	ErrSpeedOutOfRange       = errors.New("speed out of range")
	ErrVoiceNotFound         = errors.New("voice not found")
	ErrReferenceAudioMissing = errors.New("reference audio missing")
	ErrReferenceTextEmpty    = errors.New("reference text empty")
	ErrModelInference        = errors.New("model inference failed")
	ErrSampleRateMismatch    = errors.New("sample rate mismatch")
	ErrCorruptSegment        = errors.New("corrupt audio segment")
)

type Error struct {
	Kind       Kind
	Stage      Stage
	Voice      string
	ChunkIndex int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failure at %s", e.Kind, e.Stage)
	if e.Voice != "" {
		msg += fmt.Sprintf(" (voice %q", e.Voice)
		if e.ChunkIndex != NoChunk {
			msg += fmt.Sprintf(", chunk %d", e.ChunkIndex)
		}
		msg += ")"
	} else if e.ChunkIndex != NoChunk {
		msg += fmt.Sprintf(" (chunk %d)", e.ChunkIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Input(err error) *Error {
	return &Error{Kind: KindInput, Stage: StageValidate, ChunkIndex: NoChunk, Err: err}
}

func Reference(voice string, err error) *Error {
	return &Error{Kind: KindReference, Stage: StageReference, Voice: voice, ChunkIndex: NoChunk, Err: err}
}

// ChunkFailed reports a model failure on one chunk. The cause is joined with
// ErrModelInference so errors.Is matches either.
func ChunkFailed(voice string, index int, cause error) *Error {
	return &Error{
		Kind:       KindModelInference,
		Stage:      StageGenerate,
		Voice:      voice,
		ChunkIndex: index,
		Err:        errors.Join(ErrModelInference, cause),
	}
}

// EncodeFailed reports a model failure while deriving a speaker embedding.
func EncodeFailed(voice string, cause error) *Error {
	return &Error{
		Kind:       KindModelInference,
		Stage:      StageReference,
		Voice:      voice,
		ChunkIndex: NoChunk,
		Err:        errors.Join(ErrModelInference, cause),
	}
}

func Assembly(err error) *Error {
	return &Error{Kind: KindAssembly, Stage: StageAssemble, ChunkIndex: NoChunk, Err: err}
}

func Output(err error) *Error {
	return &Error{Kind: KindOutput, Stage: StageOutput, ChunkIndex: NoChunk, Err: err}
}

// Cancelled reports a job stopped between chunks; index is the first chunk
// that was not started.
func Cancelled(voice string, index int, err error) *Error {
	return &Error{Kind: KindCancelled, Stage: StageGenerate, Voice: voice, ChunkIndex: index, Err: err}
}

// As extracts a *Error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}
