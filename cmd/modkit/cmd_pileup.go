// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/bamio"
	"github.com/MatthiasZepper/modkit/bedio"
	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/motif"
	"github.com/MatthiasZepper/modkit/pileup"
	"github.com/MatthiasZepper/modkit/sampler"
	"github.com/MatthiasZepper/modkit/tally"
)

type pileupFlags struct {
	region      *string
	bed         *string
	out         *string
	format      *string
	combine     *string
	preset      *string
	threshold   *float64
	threads     *int
	mapq        *int
	cacheMB     *int
	motifSeq    *string
	motifOffset *int
	refPath     *string
	strand      *string
	fraction    *float64
	percentile  *float64
	seed        *uint64
	failFast    *bool
}

func newCmdPileup() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "pileup",
		Short:    "Tally base-modification calls per reference position",
		ArgsName: "bampath",
	}
	f := pileupFlags{
		region:      cmd.Flags.String("region", "", "Restrict pileup to contig[:start-end]; default is the whole BAM"),
		bed:         cmd.Flags.String("bed", "", "Restrict pileup to the regions listed in this 3-column BED file"),
		out:         cmd.Flags.String("out", "modkit-pileup.bed", "Output path"),
		format:      cmd.Flags.String("format", "bedmethyl", "Output format: 'bedmethyl' or 'bedgraph'"),
		combine:     cmd.Flags.String("combine", "none", "Row combine mode: 'none', 'strands' (for palindromic motifs), or 'codes'"),
		preset:      cmd.Flags.String("preset", "", "Convenience restriction to a single base's codes: '5mc' or '5hmc'"),
		threshold:   cmd.Flags.Float64("threshold", 0.5, "Calls whose best probability is at or below this are counted as filtered rather than attributed to their code"),
		threads:     cmd.Flags.Int("threads", 0, "Number of worker goroutines; 0 = runtime.NumCPU()"),
		mapq:        cmd.Flags.Int("mapq", 0, "Minimum MAPQ to include a read"),
		cacheMB:     cmd.Flags.Int("cache-mb", 64, "Per-worker read-cache resident budget, in MiB, before snappy-compressing cold entries"),
		motifSeq:    cmd.Flags.String("motif", "", "Restrict pileup columns to occurrences of this motif (e.g. 'CG' for CpG); requires --ref"),
		motifOffset: cmd.Flags.Int("motif-offset", 0, "0-based offset within --motif of the modified base"),
		refPath:     cmd.Flags.String("ref", "", "Reference FASTA; enables --motif and reference-aware Diff detection"),
		strand:      cmd.Flags.String("strand-rule", "both", "Which (alignment, mod) strand combination to keep: 'both', 'positive', or 'negative'"),
		fraction:    cmd.Flags.Float64("f", 0, "If set, derive --threshold from a sample of this fraction of observed call probabilities instead of using --threshold directly"),
		percentile:  cmd.Flags.Float64("p", 50, "Nearest-rank percentile of the --f sample to use as the derived threshold"),
		seed:        cmd.Flags.Uint64("seed", 1, "Sampling seed for --f; the same seed yields the same derived threshold"),
		failFast:    cmd.Flags.Bool("fail-fast", false, "Abort the whole run on the first per-record error instead of counting it and continuing"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("pileup takes one bampath argument, got %v", argv)
		}
		return runPileup(argv[0], f)
	})
	return cmd
}

func runPileup(bamPath string, f pileupFlags) error {
	shards, err := resolveShards(bamPath, *f.region, *f.bed)
	if err != nil {
		return err
	}

	combine, err := parseCombine(*f.combine)
	if err != nil {
		return err
	}
	strandRule, err := parseStrandRule(*f.strand)
	if err != nil {
		return err
	}
	var target modcode.Base
	var allowed []modcode.Code
	switch *f.preset {
	case "":
	case "5mc":
		target = modcode.C
		allowed = []modcode.Code{"m"}
	case "5hmc":
		target = modcode.C
		allowed = []modcode.Code{"m", "h"}
	default:
		return fmt.Errorf("modkit: unknown --preset %q", *f.preset)
	}

	threads := *f.threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	ctx := vcontext.Background()
	var reference map[string][]byte
	if *f.refPath != "" {
		reference, err = pileup.LoadReference(ctx, *f.refPath)
		if err != nil {
			return err
		}
	}

	var motifSet *motif.Set
	strandOffset := 0
	if *f.motifSeq != "" {
		if reference == nil {
			return fmt.Errorf("modkit: --motif requires --ref")
		}
		motifSet, err = motif.LocateSet(reference, *f.motifSeq, *f.motifOffset)
		if err != nil {
			return err
		}
		strandOffset = len(*f.motifSeq) - 1 - 2*(*f.motifOffset)
		if strandOffset < 0 {
			strandOffset = -strandOffset
		}
	}

	opts := pileup.DefaultOpts()
	opts.Threads = threads
	opts.Threshold = *f.threshold
	opts.Combine = combine
	opts.StrandOffset = strandOffset
	opts.StrandRule = strandRule
	opts.Target = target
	opts.AllowedCodes = allowed
	opts.CacheBudgetBytes = *f.cacheMB << 20
	opts.Filter = bamio.DefaultFilterOpts()
	opts.Filter.MinMAPQ = *f.mapq
	opts.Reference = reference
	opts.Motifs = motifSet
	opts.FailFast = *f.failFast

	if *f.fraction > 0 {
		threshold, err := sampleThreshold(bamPath, *f.fraction, *f.percentile, *f.seed)
		if err != nil {
			return err
		}
		opts.Threshold = threshold
	}

	table, stats, err := pileup.Run(bamPath, shards, opts)
	if err != nil {
		return err
	}
	fmt.Printf("pileup: %d record(s), %d skipped, %d failed\n", stats.RecordsTotal, stats.RecordsSkipped, stats.RecordsFailed)

	var compression bedio.Compression
	switch {
	case hasSuffix(*f.out, ".bgz"):
		compression = bedio.CompressionBGZF
	case hasSuffix(*f.out, ".zst"):
		compression = bedio.CompressionZstd
	}

	rows := table.Rows(combine, opts.StrandOffset)
	switch *f.format {
	case "bedmethyl":
		w, err := bedio.Create(ctx, *f.out, compression)
		if err != nil {
			return err
		}
		defer w.Close()
		for _, r := range rows {
			if err := w.WriteBedMethylRow(r); err != nil {
				return err
			}
		}
	case "bedgraph":
		bg, err := bedio.CreateBedGraphSet(ctx, *f.out, compression)
		if err != nil {
			return err
		}
		defer bg.Close()
		for _, r := range rows {
			if err := bg.WriteRow(r); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("modkit: unknown --format %q", *f.format)
	}
	return nil
}

// sampleThreshold runs a single sequential pass over bamPath, sampling
// observed call probabilities per sampler.NewFraction, and returns the
// nearest-rank percentile threshold §8 scenario 4 requires from a single
// `pileup -f -p --seed` invocation.
func sampleThreshold(bamPath string, fraction, percentile float64, seed uint64) (float64, error) {
	s := sampler.NewFraction(fraction, seed)
	r, err := bamio.Open(bamPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		info, err := bamio.ParseModTags(rec)
		if err != nil {
			continue
		}
		for _, g := range info.Groups {
			for _, p := range g.Positions {
				for _, c := range p.Calls {
					id := fmt.Sprintf("%s:%d:%s", rec.Name, p.Pos, c.Code)
					s.Observe(id, c.Prob)
				}
			}
		}
	}
	return s.Threshold(percentile)
}

func parseCombine(s string) (tally.CombineMode, error) {
	switch s {
	case "none", "":
		return tally.CombineNone, nil
	case "strands":
		return tally.CombineStrand, nil
	case "codes":
		return tally.CombineCodes, nil
	}
	return 0, fmt.Errorf("modkit: unknown --combine %q", s)
}

func parseStrandRule(s string) (tally.StrandRule, error) {
	switch s {
	case "both", "":
		return tally.Both, nil
	case "positive":
		return tally.PositiveOnly, nil
	case "negative":
		return tally.NegativeOnly, nil
	}
	return 0, fmt.Errorf("modkit: unknown --strand-rule %q", s)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
