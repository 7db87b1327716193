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
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"

	"github.com/MatthiasZepper/modkit/bamio"
	"github.com/MatthiasZepper/modkit/pileup"
)

// resolveShards builds the pileup.Shard list a run covers: the contents of
// bedPath if given, else the single region (contig[:start-end]) if given,
// else one shard per contig in the BAM header spanning its whole length.
func resolveShards(bamPath, region, bedPath string) ([]pileup.Shard, error) {
	switch {
	case bedPath != "" && region != "":
		return nil, fmt.Errorf("modkit: --bed and --region are mutually exclusive")
	case bedPath != "":
		return shardsFromBED(bedPath)
	case region != "":
		s, err := parseRegion(region)
		if err != nil {
			return nil, err
		}
		return []pileup.Shard{s}, nil
	default:
		return shardsFromHeader(bamPath)
	}
}

func parseRegion(region string) (pileup.Shard, error) {
	contig := region
	start, end := 0, -1
	if i := strings.LastIndexByte(region, ':'); i >= 0 {
		contig = region[:i]
		rangePart := region[i+1:]
		j := strings.IndexByte(rangePart, '-')
		if j < 0 {
			return pileup.Shard{}, fmt.Errorf("modkit: malformed --region %q (want contig:start-end)", region)
		}
		startVal, err := strconv.Atoi(rangePart[:j])
		if err != nil {
			return pileup.Shard{}, fmt.Errorf("modkit: malformed --region %q: %v", region, err)
		}
		endVal, err := strconv.Atoi(rangePart[j+1:])
		if err != nil {
			return pileup.Shard{}, fmt.Errorf("modkit: malformed --region %q: %v", region, err)
		}
		start, end = startVal, endVal
	}
	return pileup.Shard{Contig: contig, Start: start, End: end}, nil
}

// shardsFromBED reads a 3-column (contig, start, end) BED file, one shard
// per line.
func shardsFromBED(path string) ([]pileup.Shard, error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("modkit: opening BED %s: %v", path, err)
	}
	defer f.Close(ctx)

	var shards []pileup.Shard
	scanner := bufio.NewScanner(f.Reader(ctx))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "track") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("modkit: malformed BED line %q", line)
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("modkit: malformed BED line %q: %v", line, err)
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("modkit: malformed BED line %q: %v", line, err)
		}
		shards = append(shards, pileup.Shard{Contig: fields[0], Start: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("modkit: reading BED %s: %v", path, err)
	}
	return shards, nil
}

func shardsFromHeader(bamPath string) ([]pileup.Shard, error) {
	r, err := bamio.Open(bamPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var shards []pileup.Shard
	for _, ref := range r.Header().Refs() {
		shards = append(shards, pileup.Shard{Contig: ref.Name(), Start: 0, End: ref.Len()})
	}
	return shards, nil
}
