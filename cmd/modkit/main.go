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

// modkit reads, rewrites, and tallies Oxford Nanopore base-modification
// (MM/ML) BAM tags.
package main

import (
	"github.com/grailbio/base/grail"
	"v.io/x/lib/cmdline"
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "modkit",
		Short:    "Tools for Oxford Nanopore base-modification BAM tags",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdPileup(),
			newCmdAdjustMods(),
			newCmdUpdateTags(),
			newCmdSampleProbs(),
			newCmdSummary(),
			newCmdMotifBed(),
		},
	})
}
