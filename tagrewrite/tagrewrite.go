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

// Package tagrewrite streams a BAM through the probability transforms in
// modxform and writes a rewritten copy, backing the "adjust-mods" and
// "update-tags" subcommands.
package tagrewrite

import (
	"fmt"
	"io"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"

	"github.com/MatthiasZepper/modkit/bamio"
	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modtag"
	"github.com/MatthiasZepper/modkit/modxform"
)

// ConvertSpec merges the codes in From into To, via modxform.Convert.
type ConvertSpec struct {
	From []modcode.Code
	To   modcode.Code
}

// AdjustSpec describes the probability-vector rewrites "adjust-mods"
// applies to every group of every record.
type AdjustSpec struct {
	Drop     []modcode.Code // codes removed via modxform.Redistribute
	Policy   modxform.Policy
	Converts []ConvertSpec
}

// Options configures a tag-rewrite pass.
type Options struct {
	// Adjust, if non-nil, is applied to every group before the record is
	// rewritten. Leave nil for a pure style-rewrite ("update-tags").
	Adjust *AdjustSpec
	// ForceStyle, if non-nil, overrides each record's output tag-name
	// style; nil preserves whatever the record already used.
	ForceStyle *modtag.Style
	// FailFast, if true, aborts the whole run on the first per-record
	// error instead of counting it as Failed and passing the record
	// through unmodified.
	FailFast bool
}

// Stats summarizes one pass over a BAM, per §7's error taxonomy: Skipped
// covers secondary/supplementary/zero-length records and ones with no
// MM/Mm tag at all (never fatal, passed through verbatim); Failed covers a
// record whose tags failed to parse, transform, or re-serialize (counted,
// and the record is passed through unmodified, unless Options.FailFast).
type Stats struct {
	RecordsTotal     int
	RecordsWithTags  int
	RecordsRewritten int
	RecordsSkipped   int
	RecordsFailed    int
}

// Run streams every record of inPath to outPath, applying opts, and
// returns pass statistics.
func Run(inPath, outPath string, opts Options) (Stats, error) {
	var stats Stats
	r, err := bamio.Open(inPath)
	if err != nil {
		return stats, err
	}
	defer r.Close()

	w, err := bamio.Create(outPath, r.Header())
	if err != nil {
		return stats, err
	}
	defer w.Close()

	filter := bamio.DefaultFilterOpts()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}
		stats.RecordsTotal++

		if !filter.Pass(rec) || rec.Seq.Length == 0 {
			stats.RecordsSkipped++
			if err := w.Write(rec); err != nil {
				return stats, err
			}
			continue
		}

		info, err := bamio.ParseModTags(rec)
		switch {
		case err == modtag.ErrNoModTags:
			stats.RecordsSkipped++
			if err := w.Write(rec); err != nil {
				return stats, err
			}
			continue
		case err != nil:
			stats.RecordsFailed++
			if opts.FailFast {
				return stats, errors.Wrapf(err, "tagrewrite: record %q", rec.Name)
			}
			if err := w.Write(rec); err != nil {
				return stats, err
			}
			continue
		}
		stats.RecordsWithTags++

		if err := rewriteOne(rec, info, opts); err != nil {
			stats.RecordsFailed++
			if opts.FailFast {
				return stats, errors.Wrapf(err, "tagrewrite: record %q", rec.Name)
			}
			if err := w.Write(rec); err != nil {
				return stats, err
			}
			continue
		}
		stats.RecordsRewritten++

		if err := w.Write(rec); err != nil {
			return stats, err
		}
		if stats.RecordsTotal%1_000_000 == 0 {
			log.Printf("tagrewrite: processed %d records", stats.RecordsTotal)
		}
	}
	return stats, nil
}

// rewriteOne applies opts to info and writes the result back onto rec. On
// error, rec is left as Parse produced it (tags unmodified), so the caller
// can still pass it through verbatim.
func rewriteOne(rec *sam.Record, info *modtag.Info, opts Options) error {
	if opts.Adjust != nil {
		if err := applyAdjust(info, opts.Adjust); err != nil {
			return err
		}
	}
	if opts.ForceStyle != nil {
		info.Style = *opts.ForceStyle
	}
	return bamio.WriteModTags(rec, info)
}

func applyAdjust(info *modtag.Info, spec *AdjustSpec) error {
	for _, g := range info.Groups {
		for _, code := range spec.Drop {
			if !hasCode(g.Codes, code) {
				continue
			}
			if err := modxform.RedistributeGroup(g, code, spec.Policy); err != nil {
				return err
			}
		}
		for _, c := range spec.Converts {
			if !anyCodePresent(g.Codes, c.From) {
				continue
			}
			if err := modxform.ConvertGroup(g, c.From, c.To); err != nil {
				return fmt.Errorf("tagrewrite: group %c%c: %v", g.Base, g.Strand, err)
			}
		}
	}
	return nil
}

func hasCode(codes []modcode.Code, code modcode.Code) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func anyCodePresent(codes []modcode.Code, want []modcode.Code) bool {
	for _, w := range want {
		if hasCode(codes, w) {
			return true
		}
	}
	return false
}
