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
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/bamio"
	"github.com/MatthiasZepper/modkit/sampler"
)

func newCmdSampleProbs() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "sample-probs",
		Short:    "Estimate a call-confidence threshold from a random sample of observed probabilities",
		ArgsName: "bampath",
	}
	n := cmd.Flags.Int("n", 10_000, "Bounded sample size (reservoir-style); ignored if --fraction is set")
	fraction := cmd.Flags.Float64("fraction", 0, "Sample each call independently with this probability, instead of a bounded-N reservoir")
	seed := cmd.Flags.Uint64("seed", 1, "Sampling seed; the same seed yields the same sample")
	percentiles := cmd.Flags.String("percentiles", "10,50,90", "Comma-separated nearest-rank percentiles to report")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("sample-probs takes one bampath argument, got %v", argv)
		}
		return runSampleProbs(argv[0], *n, *fraction, *seed, *percentiles)
	})
	return cmd
}

func runSampleProbs(bamPath string, n int, fraction float64, seed uint64, percentilesFlag string) error {
	var s *sampler.Sampler
	if fraction > 0 {
		s = sampler.NewFraction(fraction, seed)
	} else {
		s = sampler.NewFixedN(n, seed)
	}

	r, err := bamio.Open(bamPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
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

	fmt.Printf("sampled %d observations\n", s.Len())
	for _, field := range strings.Split(percentilesFlag, ",") {
		pct, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return fmt.Errorf("modkit: malformed --percentiles entry %q: %v", field, err)
		}
		t, err := s.Threshold(pct)
		if err != nil {
			return err
		}
		fmt.Printf("p%g\t%.4f\n", pct, t)
	}
	return nil
}
