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

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/modtag"
	"github.com/MatthiasZepper/modkit/tagrewrite"
)

func newCmdUpdateTags() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "update-tags",
		Short:    "Rewrite a BAM's MM/ML tags to the canonical or legacy tag-name style, unchanged otherwise",
		ArgsName: "inpath outpath",
	}
	style := cmd.Flags.String("style", "", "Force output style: 'canonical' (MM/ML) or 'legacy' (Mm/Ml); default preserves each record's existing style")
	failFast := cmd.Flags.Bool("fail-fast", false, "Abort the whole run on the first per-record error instead of counting it and passing the record through unmodified")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("update-tags takes inpath outpath, got %v", argv)
		}
		opts := tagrewrite.Options{FailFast: *failFast}
		switch *style {
		case "":
		case "canonical":
			s := modtag.StyleCanonical
			opts.ForceStyle = &s
		case "legacy":
			s := modtag.StyleLegacy
			opts.ForceStyle = &s
		default:
			return fmt.Errorf("modkit: unknown --style %q", *style)
		}
		stats, err := tagrewrite.Run(argv[0], argv[1], opts)
		if err != nil {
			return err
		}
		log.Printf("update-tags: %d records, %d with mod tags, %d rewritten, %d skipped, %d failed",
			stats.RecordsTotal, stats.RecordsWithTags, stats.RecordsRewritten, stats.RecordsSkipped, stats.RecordsFailed)
		return nil
	})
	return cmd
}
