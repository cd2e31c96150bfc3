package bulkcomp

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/flate"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50),
		randomBytes(4096, 1),
	}
	for i, data := range cases {
		compressed, err := Compress(data)
		if err != nil {
			t.Fatalf("case %d: compress: %v", i, err)
		}
		decompressed, err := Decompress(compressed)
		if err != nil {
			t.Fatalf("case %d: decompress: %v", i, err)
		}
		if !bytes.Equal(decompressed, data) {
			t.Fatalf("case %d: round trip mismatch: got %d bytes, want %d bytes", i, len(decompressed), len(data))
		}
	}
}

func TestCompressShrinksRepetitiveInput(t *testing.T) {
	data := bytes.Repeat([]byte("ABCDEFGH"), 1000)
	compressed, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink highly repetitive input: %d -> %d", len(data), len(compressed))
	}
}

// TestAgainstFlateOracle checks this compressor does not expand highly
// repetitive input, and logs a standard general-purpose compressor's output
// size on the same input for reference — not a bit-for-bit or size
// comparison, since the two use unrelated bitstream formats.
func TestAgainstFlateOracle(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	ours, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}

	var flateBuf bytes.Buffer
	fw, err := flate.NewWriter(&flateBuf, flate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	fw.Close()

	if len(ours) > len(data) {
		t.Fatalf("our compressor expanded highly repetitive input: %d -> %d", len(data), len(ours))
	}
	t.Logf("input=%d ours=%d flate=%d", len(data), len(ours), flateBuf.Len())
}

func TestCompressorDecompressorMirroredHistory(t *testing.T) {
	comp := NewCompressor()
	decomp := NewDecompressor()

	payloads := []string{
		"the quick brown fox jumps over the lazy dog ",
		"the quick brown fox jumps over the lazy dog ",
		"a completely different line that shares no prefix",
		"the quick brown fox jumps over the lazy dog ",
	}
	for i, p := range payloads {
		data := []byte(p)
		compressed, err := comp.Compress(data)
		if err != nil {
			t.Fatalf("payload %d: compress: %v", i, err)
		}
		recovered, err := decomp.Decompress(compressed)
		if err != nil {
			t.Fatalf("payload %d: decompress: %v", i, err)
		}
		if !bytes.Equal(recovered, data) {
			t.Fatalf("payload %d: mirrored-history round trip mismatch", i)
		}
	}
	// The third repeat of the first line should compress to less than the
	// raw line length: it can reference the identical line compressed two
	// payloads earlier, not just bytes within its own payload.
	compressed, err := comp.Compress([]byte(payloads[0]))
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(payloads[0]) {
		t.Fatalf("expected cross-payload history match to shrink repeated payload: %d -> %d", len(payloads[0]), len(compressed))
	}
}

func TestDesynchronizedDecompressorFailsRatherThanCorrupts(t *testing.T) {
	comp := NewCompressor()
	decomp := NewDecompressor()

	// unique has no repeated 3-byte substring, so any match the
	// compressor finds for it must reference a prior payload's history,
	// never itself.
	unique := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ")

	// Prime the compressor's history with a payload the decompressor
	// never sees, simulating a dropped PDU — the two histories are now
	// out of step.
	if _, err := comp.Compress(unique); err != nil {
		t.Fatal(err)
	}
	compressed, err := comp.Compress(unique)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decomp.Decompress(compressed); err == nil {
		t.Fatal("expected a desynchronized decompressor to fail, not silently corrupt output")
	}
}

func TestFindCodeCoversEveryLengthUpToMax(t *testing.T) {
	for length := minMatchLength; length <= maxMatchLength; length++ {
		if _, _, ok := findCode(length); !ok {
			t.Fatalf("length %d has no length code, falls back to literal encoding", length)
		}
	}
}

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}
