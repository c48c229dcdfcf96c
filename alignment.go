// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/arvados/xistsex/mixture"
	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	log "github.com/sirupsen/logrus"
)

// Reference names counted as the Y chromosome.
var yChromNames = map[string]bool{"Y": true, "chrY": true}

// MissingReferenceError is returned when an alignment file's header
// has neither a Y chromosome nor the XIST locus reference.
type MissingReferenceError struct {
	Filename string
	Locus    Locus
	Seqnames []string // reference names searched for the locus
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("%s: header has no Y chromosome (Y, chrY) and no %s reference for XIST locus %s", e.Filename, strings.Join(e.Seqnames, "/"), e.Locus)
}

// alignmentReader is implemented by *bam.Reader and *sam.Reader.
type alignmentReader interface {
	Header() *sam.Header
	Read() (*sam.Record, error)
}

// alignmentCounter counts mapped alignments on the Y chromosome, at
// the XIST locus, and overall.
type alignmentCounter struct {
	locus         Locus
	decompressCmd string
	regions       regionSet
	readers       int // BGZF decompression goroutines per BAM file
}

func newAlignmentCounter(locus Locus, decompressCmd string) *alignmentCounter {
	ac := &alignmentCounter{locus: locus, decompressCmd: decompressCmd, readers: 1}
	// regionSet is 0-based, closed.
	ac.regions.Add(locus.Seqname, locus.Start-1, locus.End-1)
	ac.regions.Freeze()
	return ac
}

// CountFile opens fnm (through the decompress command, if any) and
// counts its alignments.
func (ac *alignmentCounter) CountFile(ctx context.Context, fnm string) (mixture.SampleCount, error) {
	var rc io.ReadCloser
	var err error
	if ac.decompressCmd != "" {
		rc, err = openDecompressed(ctx, ac.decompressCmd, fnm)
	} else if strings.HasSuffix(fnm, ".sam.gz") {
		rc, err = zopen(fnm)
	} else {
		rc, err = open(fnm)
	}
	if err != nil {
		return mixture.SampleCount{}, err
	}
	defer rc.Close()
	count, err := ac.Count(ctx, fnm, rc)
	if err != nil {
		return count, err
	}
	if err = rc.Close(); err != nil {
		return count, fmt.Errorf("%s: %w", fnm, err)
	}
	return count, nil
}

// Count reads a SAM or BAM stream (detected by the BGZF magic
// number) and returns its counts. Any read error other than a clean
// end of stream is returned.
func (ac *alignmentCounter) Count(ctx context.Context, fnm string, r io.Reader) (mixture.SampleCount, error) {
	var count mixture.SampleCount
	rdr, err := ac.newReader(r)
	if err != nil {
		return count, fmt.Errorf("%s: %w", fnm, err)
	}
	if c, ok := rdr.(io.Closer); ok {
		defer c.Close()
	}
	if err := ac.checkHeader(fnm, rdr.Header()); err != nil {
		return count, err
	}
	for n := 1; ; n++ {
		if n%1000000 == 0 {
			if err := ctx.Err(); err != nil {
				return count, err
			}
		}
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return count, fmt.Errorf("%s: record %d: %w", fnm, n, err)
		}
		if rec.Flags&sam.Unmapped != 0 || rec.Ref == nil {
			continue
		}
		count.Total++
		refname := rec.Ref.Name()
		if yChromNames[refname] {
			count.YChrom++
		}
		end := rec.End()
		if end <= rec.Pos {
			// no reference-consuming CIGAR operations
			end = rec.Pos + 1
		}
		if ac.regions.Overlaps(refname, rec.Pos, end-1) {
			count.XIST++
		}
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"ychrom":   count.YChrom,
		"xist":     count.XIST,
		"total":    count.Total,
	}).Info("counted alignments")
	return count, nil
}

func (ac *alignmentCounter) newReader(r io.Reader) (alignmentReader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		return bam.NewReader(br, ac.readers)
	}
	return sam.NewReader(br)
}

func (ac *alignmentCounter) checkHeader(fnm string, h *sam.Header) error {
	seqnames := ac.regions.Seqnames()
	for _, ref := range h.Refs() {
		name := ref.Name()
		if yChromNames[name] {
			return nil
		}
		for _, seqname := range seqnames {
			if name == seqname {
				return nil
			}
		}
	}
	return &MissingReferenceError{Filename: fnm, Locus: ac.locus, Seqnames: seqnames}
}
