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
package pileup

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"

	"github.com/MatthiasZepper/modkit/encoding/fasta"
)

// LoadReference loads a (possibly gzip-compressed) FASTA file and returns
// its sequences keyed by the record name on each ">" header line, as plain
// ASCII bytes. motif.LocateSet and the motif-bed/pileup commands use this
// to get the sequence a motif search runs against, without needing a BAM
// header to cross-reference contig names the way a SNP-calling pileup
// would.
func LoadReference(ctx context.Context, fapath string) (seqs map[string][]byte, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, fapath); err != nil {
		return
	}
	defer func() {
		if e := infile.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	if fileio.DetermineType(fapath) == fileio.Gzip {
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}

	fa, err := fasta.New(reader, fasta.OptClean)
	if err != nil {
		return nil, fmt.Errorf("pileup: loading %s: %v", fapath, err)
	}
	names := fa.SeqNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("pileup: %s contains no FASTA records", fapath)
	}
	seqs = make(map[string][]byte, len(names))
	for _, name := range names {
		length, err := fa.Len(name)
		if err != nil {
			return nil, err
		}
		s, err := fa.Get(name, 0, length)
		if err != nil {
			return nil, err
		}
		seqs[name] = []byte(s)
	}
	return seqs, nil
}
