package memory

// RequiredMemory describes the working memory needed to hold one pipeline.
// The sentinel value 1 in either field means unknown.
type RequiredMemory struct {
	RAM  uint64
	VRAM uint64
}
