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
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/cmdutil"
	"github.com/minio/highwayhash"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/bamio"
	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/sampler"
)

// summaryHashKey is a fixed, arbitrary 32-byte key: summary's fingerprint
// only needs to be stable across runs of this tool, not keyed per-user, so
// one constant key is sufficient.
var summaryHashKey = [32]byte{
	0x6d, 0x6f, 0x64, 0x6b, 0x69, 0x74, 0x2d, 0x73,
	0x75, 0x6d, 0x6d, 0x61, 0x72, 0x79, 0x2d, 0x66,
	0x69, 0x6e, 0x67, 0x65, 0x72, 0x70, 0x72, 0x69,
	0x6e, 0x74, 0x2d, 0x6b, 0x65, 0x79, 0x21, 0x21,
}

func newCmdSummary() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "summary",
		Short:    "Report per-base modification-code coverage from a quick single-pass scan, without a full pileup",
		ArgsName: "bampath",
	}
	threshold := cmd.Flags.Float64("threshold", 0.5, "Call-confidence threshold for the reported above-threshold percentage")
	sampleN := cmd.Flags.Int("n", 10_000, "Sampler reservoir size used to estimate the above-threshold percentage")
	seed := cmd.Flags.Uint64("seed", 1, "Sampling seed")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("summary takes one bampath argument, got %v", argv)
		}
		return runSummary(argv[0], *threshold, *sampleN, *seed)
	})
	return cmd
}

type baseSummary struct {
	codes   map[modcode.Code]int
	sampler *sampler.Sampler
}

func runSummary(bamPath string, threshold float64, sampleN int, seed uint64) error {
	r, err := bamio.Open(bamPath)
	if err != nil {
		return err
	}
	defer r.Close()

	filter := bamio.DefaultFilterOpts()
	perBase := make(map[modcode.Base]*baseSummary)
	recordsTotal, recordsWithTags := 0, 0

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		recordsTotal++
		if !filter.Pass(rec) {
			continue
		}
		info, err := bamio.ParseModTags(rec)
		if err != nil {
			continue
		}
		recordsWithTags++
		for _, g := range info.Groups {
			bs, ok := perBase[g.Base]
			if !ok {
				bs = &baseSummary{codes: make(map[modcode.Code]int), sampler: sampler.NewFixedN(sampleN, seed)}
				perBase[g.Base] = bs
			}
			for _, p := range g.Positions {
				for _, c := range p.Calls {
					bs.codes[c.Code]++
					bs.sampler.Observe(fmt.Sprintf("%s:%d:%s", rec.Name, p.Pos, c.Code), c.Prob)
				}
			}
		}
	}

	fmt.Printf("records\t%d\n", recordsTotal)
	fmt.Printf("records_with_mod_tags\t%d\n", recordsWithTags)

	var bases []modcode.Base
	for b := range perBase {
		bases = append(bases, b)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	h, err := highwayhash.New64(summaryHashKey[:])
	if err != nil {
		return fmt.Errorf("modkit: initializing fingerprint hash: %v", err)
	}
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(recordsTotal))
	h.Write(u64[:])

	for _, b := range bases {
		bs := perBase[b]
		var codes []modcode.Code
		for c := range bs.codes {
			codes = append(codes, c)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

		aboveThreshold := 0
		for _, code := range codes {
			n := bs.codes[code]
			fmt.Printf("%c\t%s\t%d\n", b, code, n)
			binary.LittleEndian.PutUint64(u64[:], uint64(n))
			h.Write([]byte(code))
			h.Write(u64[:])
			if t, err := bs.sampler.Threshold(50); err == nil && t >= threshold {
				aboveThreshold += n
			}
		}
		total := 0
		for _, n := range bs.codes {
			total += n
		}
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(aboveThreshold) / float64(total)
		}
		fmt.Printf("%c\tpercent_above_%.2f\t%.2f\n", b, threshold, pct)
	}
	fmt.Printf("fingerprint\t%016x\n", h.Sum64())
	return nil
}
