package pack

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// magic is the file header for osgrep packed-index binary files.
var magic = [4]byte{'O', 'S', 'P', 'K'}

const formatVersion = uint16(1)

// Save serializes a PackedIndex to a binary file.
// Format:
//
//	[4]byte magic
//	uint16  version
//	uint16  hiddenSize
//	uint32  numDocs
//	uint32  numEmbeddings (= len(Embeddings))
//	uint32  numTokens     (= len(TokenIDs))
//	--- per doc ---
//	uint32  length
//	uint32  offset
//	--- embeddings ---
//	int8    embeddings[numEmbeddings]
//	--- token ids ---
//	uint32  tokenIDs[numTokens]
func Save(p *PackedIndex, path string) error {
	if err := Validate(p); err != nil {
		return fmt.Errorf("refusing to save invalid packed index: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := &binaryWriter{w: f}

	w.write(magic)
	w.writeU16(formatVersion)
	w.writeU16(uint16(p.HiddenSize))
	w.writeU32(uint32(p.NumDocs()))
	w.writeU32(uint32(len(p.Embeddings)))
	w.writeU32(uint32(len(p.TokenIDs)))

	for i := range p.Lengths {
		w.writeU32(p.Lengths[i])
		w.writeU32(p.Offsets[i])
	}
	for _, q := range p.Embeddings {
		w.writeI8(q)
	}
	for _, id := range p.TokenIDs {
		w.writeU32(id)
	}

	return w.err
}

// Load deserializes a PackedIndex from a binary file previously written by
// Save, validating invariants before returning it.
func Load(path string) (*PackedIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := &binaryReader{r: f}

	var gotMagic [4]byte
	r.read(&gotMagic)
	if gotMagic != magic {
		return nil, fmt.Errorf("invalid magic bytes in %s — not a packed index file", path)
	}

	version := r.readU16()
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported packed index version %d (expected %d)", version, formatVersion)
	}

	hiddenSize := int(r.readU16())
	numDocs := r.readU32()
	numEmbeddings := r.readU32()
	numTokens := r.readU32()

	if r.err != nil {
		return nil, fmt.Errorf("read header: %w", r.err)
	}

	lengths := make([]uint32, numDocs)
	offsets := make([]uint32, numDocs)
	for i := range lengths {
		lengths[i] = r.readU32()
		offsets[i] = r.readU32()
	}

	embeddings := make([]int8, numEmbeddings)
	for i := range embeddings {
		embeddings[i] = r.readI8()
	}

	tokenIDs := make([]uint32, numTokens)
	for i := range tokenIDs {
		tokenIDs[i] = r.readU32()
	}

	if r.err != nil {
		return nil, fmt.Errorf("read body: %w", r.err)
	}

	p := &PackedIndex{
		Embeddings: embeddings,
		TokenIDs:   tokenIDs,
		Lengths:    lengths,
		Offsets:    offsets,
		HiddenSize: hiddenSize,
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("loaded packed index failed validation: %w", err)
	}
	return p, nil
}

// binaryWriter wraps an io.Writer and accumulates the first error.
type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}
func (bw *binaryWriter) writeU16(v uint16) { bw.write(v) }
func (bw *binaryWriter) writeU32(v uint32) { bw.write(v) }
func (bw *binaryWriter) writeI8(v int8)    { bw.write(v) }

// binaryReader wraps an io.Reader and accumulates the first error.
type binaryReader struct {
	r   io.Reader
	err error
}

func (br *binaryReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}
func (br *binaryReader) readU16() uint16 {
	var v uint16
	br.read(&v)
	return v
}
func (br *binaryReader) readU32() uint32 {
	var v uint32
	br.read(&v)
	return v
}
func (br *binaryReader) readI8() int8 {
	var v int8
	br.read(&v)
	return v
}
