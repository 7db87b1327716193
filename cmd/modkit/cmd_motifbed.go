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
	"sort"
	"strconv"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/cmdline"

	"github.com/MatthiasZepper/modkit/motif"
	"github.com/MatthiasZepper/modkit/pileup"
)

func newCmdMotifBed() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "motif-bed",
		Short:    "Locate a fixed-sequence motif in a reference and write its (contig, position, strand) hits as BED",
		ArgsName: "fastapath outpath",
	}
	motifSeq := cmd.Flags.String("motif", "CG", "Motif to locate, e.g. 'CG' for CpG")
	offset := cmd.Flags.Int("offset", 0, "0-based offset into the motif of the modified base")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("motif-bed takes fastapath outpath, got %v", argv)
		}
		return runMotifBed(argv[0], argv[1], *motifSeq, *offset)
	})
	return cmd
}

func runMotifBed(fastaPath, outPath, motifSeq string, offset int) error {
	ctx := vcontext.Background()
	seqs, err := pileup.LoadReference(ctx, fastaPath)
	if err != nil {
		return err
	}
	set, err := motif.LocateSet(seqs, motifSeq, offset)
	if err != nil {
		return err
	}

	dst, err := file.Create(ctx, outPath)
	if err != nil {
		return fmt.Errorf("motif-bed: creating %s: %v", outPath, err)
	}
	w := tsv.NewWriter(dst.Writer(ctx))

	// Sorted contig order so repeated runs over the same reference produce
	// byte-identical output.
	for _, name := range sortedKeys(seqs) {
		idx, ok := set.Contig(name)
		if !ok {
			continue
		}
		for _, h := range idx.Hits {
			w.WriteString(name)
			w.WriteString(strconv.Itoa(h.Pos))
			w.WriteString(strconv.Itoa(h.Pos + 1))
			w.WriteString(motifSeq)
			w.WriteString("0")
			w.WriteByte(h.Strand)
			if err := w.EndLine(); err != nil {
				dst.Close(ctx)
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		dst.Close(ctx)
		return err
	}
	return dst.Close(ctx)
}

func sortedKeys(seqs map[string][]byte) []string {
	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
