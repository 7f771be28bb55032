package audio

// Segment is the synthesized audio for one text chunk. Index is the chunk
// index and the only ordering key used during assembly.
type Segment struct {
	Index      int
	Samples    []float32
	SampleRate int
}
