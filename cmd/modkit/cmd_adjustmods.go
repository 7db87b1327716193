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
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/modxform"
	"github.com/MatthiasZepper/modkit/tagrewrite"
)

func newCmdAdjustMods() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "adjust-mods",
		Short:    "Rewrite MM/ML tags, dropping or merging modification codes",
		ArgsName: "inpath outpath",
	}
	drop := cmd.Flags.String("drop", "", "Comma-separated codes to remove, redistributing their probability mass")
	policy := cmd.Flags.String("policy", "canonical", "Redistribution policy for --drop: 'canonical' (spread across remaining codes and the implicit canonical call) or 'norm' (spread only across remaining explicit codes, deprecated)")
	convert := cmd.Flags.String("convert", "", "Semicolon-separated merge rules, each 'from1,from2=to' (e.g. 'h=m' folds 5hmC calls into 5mC)")
	preset := cmd.Flags.String("preset", "", "Convenience restriction: '5mc' drops every C-modification code but 'm'; '5hmc' keeps 'm' and 'h'")
	failFast := cmd.Flags.Bool("fail-fast", false, "Abort the whole run on the first per-record error instead of counting it and passing the record through unmodified")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("adjust-mods takes inpath outpath, got %v", argv)
		}
		spec, err := buildAdjustSpec(*drop, *policy, *convert, *preset)
		if err != nil {
			return err
		}
		stats, err := tagrewrite.Run(argv[0], argv[1], tagrewrite.Options{Adjust: spec, FailFast: *failFast})
		if err != nil {
			return err
		}
		log.Printf("adjust-mods: %d records, %d with mod tags, %d rewritten, %d skipped, %d failed",
			stats.RecordsTotal, stats.RecordsWithTags, stats.RecordsRewritten, stats.RecordsSkipped, stats.RecordsFailed)
		return nil
	})
	return cmd
}

func buildAdjustSpec(dropFlag, policyFlag, convertFlag, presetFlag string) (*tagrewrite.AdjustSpec, error) {
	var spec tagrewrite.AdjustSpec
	switch policyFlag {
	case "canonical", "":
		spec.Policy = modxform.PolicyImplicitCanonical
	case "norm":
		spec.Policy = modxform.PolicyNorm
	default:
		return nil, fmt.Errorf("modkit: unknown --policy %q", policyFlag)
	}

	switch presetFlag {
	case "":
	case "5mc":
		for _, c := range modcode.CodesForBase(modcode.C) {
			if c != "m" {
				spec.Drop = append(spec.Drop, c)
			}
		}
	case "5hmc":
		for _, c := range modcode.CodesForBase(modcode.C) {
			if c != "m" && c != "h" {
				spec.Drop = append(spec.Drop, c)
			}
		}
	default:
		return nil, fmt.Errorf("modkit: unknown --preset %q", presetFlag)
	}

	if dropFlag != "" {
		for _, c := range strings.Split(dropFlag, ",") {
			spec.Drop = append(spec.Drop, modcode.Code(c))
		}
	}

	if convertFlag != "" {
		for _, rule := range strings.Split(convertFlag, ";") {
			eq := strings.IndexByte(rule, '=')
			if eq < 0 {
				return nil, fmt.Errorf("modkit: malformed --convert rule %q (want from1,from2=to)", rule)
			}
			var from []modcode.Code
			for _, c := range strings.Split(rule[:eq], ",") {
				from = append(from, modcode.Code(c))
			}
			spec.Converts = append(spec.Converts, tagrewrite.ConvertSpec{From: from, To: modcode.Code(rule[eq+1:])})
		}
	}
	return &spec, nil
}
