package media

// Chunk is one read from a source. Program and transport stream sources fill
// Data with raw container bytes; sources backed by an external container
// library fill Buffers with elementary stream data instead.
type Chunk struct {
	Data    []byte
	Buffers []*Buffer

	// Chapter is the chapter the chunk belongs to, 0 when the source has no
	// chapter table.
	Chapter int
	// NewChapter is set to Chapter on the first chunk of a chapter.
	NewChapter int
	// Offset is the byte position of Data within the source.
	Offset int64
}
