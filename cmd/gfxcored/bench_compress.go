package gfxcored

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/bulkcomp"
)

type benchCompressFlags struct {
	iterations  int
	payloadSize int
}

func newBenchCompressCmd() *cobra.Command {
	f := &benchCompressFlags{}
	cmd := &cobra.Command{
		Use:   "bench-compress",
		Short: "Round-trip random payloads through the bulk-compression envelope and report timing",
		Long: "Feeds random payloads through the Auto-mode bulk-compression envelope, verifies " +
			"each round-trips bit-identical through Unframe, and reports the 50th/99th percentile " +
			"per-payload wall time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchCompress(f)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.iterations, "iterations", 10000, "number of random payloads to round-trip")
	flags.IntVar(&f.payloadSize, "payload-size", 20*1024, "size in bytes of each random payload")
	return cmd
}

func runBenchCompress(f *benchCompressFlags) error {
	durations := make([]time.Duration, 0, f.iterations)
	payload := make([]byte, f.payloadSize)

	// comp/decomp persist across iterations so later payloads can match
	// against earlier ones' bytes, exercising the same cross-PDU history
	// discipline the production session uses, with decomp standing in for
	// the client's mirrored decompressor.
	comp := bulkcomp.NewCompressor()
	decomp := bulkcomp.NewDecompressor()

	for i := 0; i < f.iterations; i++ {
		if _, err := rand.Read(payload); err != nil {
			return fmt.Errorf("bench-compress: generating payload %d: %w", i, err)
		}

		start := time.Now()
		envelope, err := bulkcomp.Frame(payload, bulkcomp.PolicyAuto, comp)
		if err != nil {
			return fmt.Errorf("bench-compress: frame payload %d: %w", i, err)
		}
		recovered, err := bulkcomp.Unframe(envelope, decomp)
		if err != nil {
			return fmt.Errorf("bench-compress: unframe payload %d: %w", i, err)
		}
		elapsed := time.Since(start)
		durations = append(durations, elapsed)

		if len(recovered) != len(payload) {
			return fmt.Errorf("bench-compress: payload %d: round-trip length mismatch: got %d want %d", i, len(recovered), len(payload))
		}
		for j := range payload {
			if recovered[j] != payload[j] {
				return fmt.Errorf("bench-compress: payload %d: round-trip mismatch at byte %d", i, j)
			}
		}
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p50 := durations[len(durations)*50/100]
	p99 := durations[len(durations)*99/100]

	fmt.Printf("bench-compress: %d payloads of %d bytes, 100%% bit-identical round-trip\n", f.iterations, f.payloadSize)
	fmt.Printf("p50=%s p99=%s\n", p50, p99)
	return nil
}
