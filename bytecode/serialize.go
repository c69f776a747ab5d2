package bytecode

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// Binary container
// ---------------------------------------------------------------------------
//
// Layout, all integers little-endian, sections in fixed order:
//
//	magic "POHC"
//	u32 container version, u32 chunk schema version
//	constants: u32 count, then per entry a tag byte and its payload
//	  (0 Number: f64, 1 String: u32 length + UTF-8, 2 Boolean: byte, 3 Null)
//	code: u32 count, then per instruction an opcode byte and its
//	  fixed-width operands as given by the opcode's operand kind
//	debug: presence byte; when 1, the source file string, a u32-count
//	  line table (one u32 per instruction), and a u32-count table of
//	  local slot names

const maxStringLen = math.MaxUint32

// Serialize encodes the chunk for storage. The output round-trips through
// Deserialize into an identical chunk.
func Serialize(c *Chunk) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(16 + 8*len(c.Constants) + 5*len(c.Code))

	buf.Write(Magic)
	writeU32(&buf, ContainerVersion)
	writeU32(&buf, c.Version)

	writeU32(&buf, uint32(len(c.Constants)))
	for _, k := range c.Constants {
		buf.WriteByte(byte(k.Kind))
		switch k.Kind {
		case ConstNumber:
			writeU64(&buf, math.Float64bits(k.Num))
		case ConstString:
			if err := writeString(&buf, k.Str); err != nil {
				return nil, err
			}
		case ConstBoolean:
			if k.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case ConstNull:
			// no payload
		default:
			return nil, serialErrf(SerializationInvalidData, "unknown constant tag %d", byte(k.Kind))
		}
	}

	writeU32(&buf, uint32(len(c.Code)))
	for _, inst := range c.Code {
		buf.WriteByte(byte(inst.Op))
		switch inst.Op.OperandKind() {
		case OperandU32:
			writeU32(&buf, inst.A)
		case OperandU8:
			buf.WriteByte(byte(inst.A))
		case OperandU32U8:
			writeU32(&buf, inst.A)
			buf.WriteByte(byte(inst.B))
		}
	}

	if c.Debug == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		if err := writeString(&buf, c.Debug.SourceFile); err != nil {
			return nil, err
		}
		writeU32(&buf, uint32(len(c.Debug.Lines)))
		for _, line := range c.Debug.Lines {
			writeU32(&buf, line)
		}
		writeU32(&buf, uint32(len(c.Debug.VarNames)))
		for _, name := range c.Debug.VarNames {
			if err := writeString(&buf, name); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a chunk, validating every length and index before
// trusting it. Corrupt input of any shape returns a *SerializationError,
// never a panic.
func Deserialize(data []byte) (*Chunk, error) {
	r := &byteReader{data: data}

	magic, err := r.bytes(4, "magic")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, Magic) {
		return nil, serialErrf(SerializationInvalidMagic,
			"invalid magic %q, want %q", magic, Magic)
	}
	container, err := r.u32("container version")
	if err != nil {
		return nil, err
	}
	if container != ContainerVersion {
		return nil, serialErrf(SerializationUnsupportedVersion,
			"unsupported container version %d (supported: %d)", container, ContainerVersion)
	}
	chunkVersion, err := r.u32("chunk version")
	if err != nil {
		return nil, err
	}
	if chunkVersion != ChunkVersion {
		return nil, serialErrf(SerializationUnsupportedVersion,
			"unsupported chunk version %d (supported: %d)", chunkVersion, ChunkVersion)
	}

	c := &Chunk{Version: chunkVersion}

	constCount, err := r.count("constant", 1)
	if err != nil {
		return nil, err
	}
	c.Constants = make([]Constant, 0, constCount)
	for i := 0; i < constCount; i++ {
		tag, err := r.u8("constant tag")
		if err != nil {
			return nil, err
		}
		switch ConstantKind(tag) {
		case ConstNumber:
			bits, err := r.u64("number constant")
			if err != nil {
				return nil, err
			}
			c.Constants = append(c.Constants, NumberConst(math.Float64frombits(bits)))
		case ConstString:
			s, err := r.str("string constant")
			if err != nil {
				return nil, err
			}
			c.Constants = append(c.Constants, StringConst(s))
		case ConstBoolean:
			b, err := r.u8("boolean constant")
			if err != nil {
				return nil, err
			}
			c.Constants = append(c.Constants, BoolConst(b != 0))
		case ConstNull:
			c.Constants = append(c.Constants, NullConst())
		default:
			return nil, serialErrf(SerializationInvalidData,
				"unknown constant tag %d at offset %d", tag, r.pos-1)
		}
	}

	codeCount, err := r.count("instruction", 1)
	if err != nil {
		return nil, err
	}
	c.Code = make([]Instruction, 0, codeCount)
	for i := 0; i < codeCount; i++ {
		opByte, err := r.u8("opcode")
		if err != nil {
			return nil, err
		}
		op := Opcode(opByte)
		if !op.Valid() {
			return nil, serialErrf(SerializationInvalidData,
				"unknown opcode %d at offset %d", opByte, r.pos-1)
		}
		inst := Instruction{Op: op}
		switch op.OperandKind() {
		case OperandU32:
			if inst.A, err = r.u32("operand"); err != nil {
				return nil, err
			}
		case OperandU8:
			var b byte
			if b, err = r.u8("operand"); err != nil {
				return nil, err
			}
			inst.A = uint32(b)
		case OperandU32U8:
			if inst.A, err = r.u32("operand"); err != nil {
				return nil, err
			}
			var b byte
			if b, err = r.u8("operand"); err != nil {
				return nil, err
			}
			inst.B = uint32(b)
		}
		c.Code = append(c.Code, inst)
	}

	hasDebug, err := r.u8("debug flag")
	if err != nil {
		return nil, err
	}
	if hasDebug != 0 {
		dbg := &DebugInfo{}
		if dbg.SourceFile, err = r.str("source file"); err != nil {
			return nil, err
		}
		lineCount, err := r.count("debug line", 4)
		if err != nil {
			return nil, err
		}
		dbg.Lines = make([]uint32, 0, lineCount)
		for i := 0; i < lineCount; i++ {
			line, err := r.u32("debug line")
			if err != nil {
				return nil, err
			}
			dbg.Lines = append(dbg.Lines, line)
		}
		nameCount, err := r.count("variable name", 4)
		if err != nil {
			return nil, err
		}
		dbg.VarNames = make([]string, 0, nameCount)
		for i := 0; i < nameCount; i++ {
			name, err := r.str("variable name")
			if err != nil {
				return nil, err
			}
			dbg.VarNames = append(dbg.VarNames, name)
		}
		c.Debug = dbg
	}

	if r.pos != len(r.data) {
		return nil, serialErrf(SerializationInvalidData,
			"%d trailing bytes after debug section", len(r.data)-r.pos)
	}
	if err := c.Validate(); err != nil {
		return nil, &SerializationError{Kind: SerializationInvalidData,
			Msg: "chunk fails validation", Err: err}
	}
	return c, nil
}

// WriteFile serializes the chunk to a file.
func WriteFile(path string, c *Chunk) error {
	data, err := Serialize(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &SerializationError{Kind: SerializationIO, Msg: "writing " + path, Err: err}
	}
	return nil
}

// ReadFile loads a chunk from a file.
func ReadFile(path string) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SerializationError{Kind: SerializationIO, Msg: "reading " + path, Err: err}
	}
	return Deserialize(data)
}

// ---------------------------------------------------------------------------
// Encoding helpers
// ---------------------------------------------------------------------------

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if uint64(len(s)) > maxStringLen {
		return serialErrf(SerializationInvalidData, "string of %d bytes exceeds format limit", len(s))
	}
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
	return nil
}

// byteReader is a bounds-checked cursor over the input. Every read names
// what it was reading so truncation errors say which section broke.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) bytes(n int, what string) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, serialErrf(SerializationInvalidData,
			"truncated input reading %s at offset %d", what, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) u8(what string) (byte, error) {
	b, err := r.bytes(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) u32(what string) (uint32, error) {
	b, err := r.bytes(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) u64(what string) (uint64, error) {
	b, err := r.bytes(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) str(what string) (string, error) {
	n, err := r.u32(what + " length")
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads a section count and rejects values the remaining input
// cannot possibly hold, so corrupt counts cannot drive huge allocations.
func (r *byteReader) count(what string, minEntrySize int) (int, error) {
	n, err := r.u32(what + " count")
	if err != nil {
		return 0, err
	}
	if remaining := len(r.data) - r.pos; int64(n)*int64(minEntrySize) > int64(remaining) {
		return 0, serialErrf(SerializationInvalidData,
			"%s count %d exceeds remaining input (%d bytes)", what, n, remaining)
	}
	return int(n), nil
}
