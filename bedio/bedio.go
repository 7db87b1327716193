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

// Package bedio writes tally.Row pileup results as bedMethyl or bedGraph
// text, using grailbio/base/tsv the same way the rest of this module
// writes delimited output. Neither format writes a header line.
package bedio

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/klauspost/compress/zstd"

	"github.com/MatthiasZepper/modkit/modcode"
	"github.com/MatthiasZepper/modkit/tally"
)

// Compression selects an optional output transform.
type Compression int

const (
	// CompressionNone writes plain text.
	CompressionNone Compression = iota
	// CompressionBGZF writes BGZF-block-compressed text (samtools tabix
	// compatible).
	CompressionBGZF
	// CompressionZstd writes zstd-compressed text.
	CompressionZstd
)

// openSink opens path under the given compression and returns the stream to
// write to plus the io.Closer (if any) that flushes the compression layer;
// the caller is still responsible for closing the underlying file handle by
// way of Writer.Close/BedGraphSet.Close.
func openSink(ctx context.Context, path string, compression Compression) (io.Writer, file.File, io.Closer, error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bedio: creating %s: %v", path, err)
	}
	raw := dst.Writer(ctx)
	switch compression {
	case CompressionBGZF:
		bw := bgzf.NewWriter(raw, 1)
		return bw, dst, bw, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(raw)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("bedio: creating zstd writer for %s: %v", path, err)
		}
		return zw, dst, zw, nil
	default:
		return raw, dst, nil, nil
	}
}

// sink bundles one opened output file with the context needed to close it.
type sink struct {
	ctx    context.Context
	dst    file.File
	closer io.Closer
	tsv    *tsv.Writer
}

func newSink(ctx context.Context, path string, compression Compression) (*sink, error) {
	w, dst, closer, err := openSink(ctx, path, compression)
	if err != nil {
		return nil, err
	}
	return &sink{ctx: ctx, dst: dst, closer: closer, tsv: tsv.NewWriter(w)}, nil
}

func (s *sink) Close() error {
	var err error
	if s.closer != nil {
		err = s.closer.Close()
	}
	if cerr := s.dst.Close(s.ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Writer emits tally.Row values as bedMethyl text: one row per (position,
// strand, code), no header.
type Writer struct {
	s *sink
}

// Create opens path for bedMethyl output under the given compression. The
// caller must call Close when done.
func Create(ctx context.Context, path string, compression Compression) (*Writer, error) {
	s, err := newSink(ctx, path, compression)
	if err != nil {
		return nil, err
	}
	return &Writer{s: s}, nil
}

// Close flushes and closes the writer's underlying transforms.
func (w *Writer) Close() error { return w.s.Close() }

// modColor returns the literal RGB triplet bedMethyl expects in its color
// column, matching the convention nanopore modification browsers use: red
// for 5mC, orange for 5hmC, grey for an unspecified/combined code.
func modColor(code modcode.Code) string {
	switch code {
	case "m":
		return "255,0,0"
	case "h":
		return "255,160,16"
	case "a":
		return "0,153,255"
	case "":
		return "128,128,128"
	default:
		return "0,0,0"
	}
}

// WriteBedMethylRow writes one tally.Row as a bedMethyl line, per the
// standard ENCODE bedMethyl column layout: chrom, start, end, code, score,
// strand, start, end, color, n_valid_cov, fraction_modified, n_modified,
// n_canonical, n_other_modified, n_delete, n_filtered, n_diff, n_nocall.
// Code "" (a CombineCodes row) is written as ".".
func (w *Writer) WriteBedMethylRow(r tally.Row) error {
	code := string(r.Code)
	if code == "" {
		code = "."
	}
	cov := r.NValidCov()
	score := cov
	if score > 1000 {
		score = 1000
	}
	w.s.tsv.WriteString(r.Contig)
	w.s.tsv.WriteString(strconv.Itoa(r.Pos))
	w.s.tsv.WriteString(strconv.Itoa(r.Pos + 1))
	w.s.tsv.WriteString(code)
	w.s.tsv.WriteString(strconv.Itoa(score))
	w.s.tsv.WriteByte(r.Strand)
	w.s.tsv.WriteString(strconv.Itoa(r.Pos))
	w.s.tsv.WriteString(strconv.Itoa(r.Pos + 1))
	w.s.tsv.WriteString(modColor(r.Code))
	w.s.tsv.WriteString(strconv.Itoa(cov))
	w.s.tsv.WriteString(strconv.FormatFloat(r.FractionModified(), 'f', 4, 64))
	w.s.tsv.WriteString(strconv.Itoa(r.NMod))
	w.s.tsv.WriteString(strconv.Itoa(r.NCanonical))
	w.s.tsv.WriteString(strconv.Itoa(r.NOtherModified))
	w.s.tsv.WriteString(strconv.Itoa(r.NDelete))
	w.s.tsv.WriteString(strconv.Itoa(r.NFiltered))
	w.s.tsv.WriteString(strconv.Itoa(r.NDiff))
	w.s.tsv.WriteString(strconv.Itoa(r.NNoCall))
	return w.s.tsv.EndLine()
}

// BedGraphSet fans tally.Row values out across one bedGraph file per
// (mod_code, strand) pair, opening each lazily on first use.
type BedGraphSet struct {
	ctx         context.Context
	prefix      string
	compression Compression
	files       map[string]*sink
}

// CreateBedGraphSet prepares a BedGraphSet whose per-(code,strand) files are
// named "[<prefix>_]<mod_code>_<strand>.bedgraph", where prefix is outPath
// with any recognized extension stripped.
func CreateBedGraphSet(ctx context.Context, outPath string, compression Compression) (*BedGraphSet, error) {
	return &BedGraphSet{
		ctx:         ctx,
		prefix:      bedGraphPrefix(outPath),
		compression: compression,
		files:       make(map[string]*sink),
	}, nil
}

func bedGraphPrefix(outPath string) string {
	for _, ext := range []string{".bedgraph", ".bed", ".txt", ".bgz", ".zst"} {
		outPath = strings.TrimSuffix(outPath, ext)
	}
	return outPath
}

func (bg *BedGraphSet) fileName(code modcode.Code, strand byte) string {
	codeStr := string(code)
	if codeStr == "" {
		codeStr = "combined"
	}
	base := fmt.Sprintf("%s_%c.bedgraph", codeStr, strand)
	if bg.prefix == "" {
		return base
	}
	return bg.prefix + "_" + base
}

func (bg *BedGraphSet) fileFor(code modcode.Code, strand byte) (*sink, error) {
	key := string(code) + string(strand)
	if s, ok := bg.files[key]; ok {
		return s, nil
	}
	s, err := newSink(bg.ctx, bg.fileName(code, strand), bg.compression)
	if err != nil {
		return nil, err
	}
	bg.files[key] = s
	return s, nil
}

// WriteRow writes one tally.Row as a bedGraph line: chrom, start, end,
// fraction_modified, n_valid_cov, into the file for r's (code, strand).
func (bg *BedGraphSet) WriteRow(r tally.Row) error {
	s, err := bg.fileFor(r.Code, r.Strand)
	if err != nil {
		return err
	}
	s.tsv.WriteString(r.Contig)
	s.tsv.WriteString(strconv.Itoa(r.Pos))
	s.tsv.WriteString(strconv.Itoa(r.Pos + 1))
	s.tsv.WriteString(strconv.FormatFloat(r.FractionModified(), 'f', 4, 64))
	s.tsv.WriteString(strconv.Itoa(r.NValidCov()))
	return s.tsv.EndLine()
}

// Close flushes and closes every file this set opened.
func (bg *BedGraphSet) Close() error {
	var first error
	for _, s := range bg.files {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
