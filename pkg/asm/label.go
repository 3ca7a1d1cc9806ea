package asm

// PatchSite is a displacement field awaiting the byte position of a label
// that was not yet known when the referencing jump/call was emitted.
type PatchSite struct {
	Offset   int // byte offset of the displacement field in the stream
	Width    int // 1 or 4
	InstrEnd int // byte offset immediately after the displacement field
}

// Label is a named anchor: its byte position in the stream (-1 until the
// label is defined), whether it has been defined, and the list of
// forward-reference patch sites still waiting on it.
type Label struct {
	Name     string
	BytePos  int
	Pending  []PatchSite
	Defined  bool
}
