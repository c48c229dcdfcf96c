// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrMissingLocus is returned when no annotation feature matches the
// locus name.
var ErrMissingLocus = errors.New("no feature with XIST in its Name attribute")

// InconsistentLocusError is returned when the matching features are
// on more than one reference sequence.
type InconsistentLocusError struct {
	Seqnames []string
}

func (e *InconsistentLocusError) Error() string {
	return fmt.Sprintf("XIST features span multiple reference sequences: %s", strings.Join(e.Seqnames, ", "))
}

// ParseError reports a malformed annotation line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Locus is a genomic interval, 1-based and inclusive as in GFF.
type Locus struct {
	Seqname string
	Start   int
	End     int
}

func (l Locus) String() string {
	return fmt.Sprintf("%s:%d-%d", l.Seqname, l.Start, l.End)
}

type gffRecord struct {
	Seqname    string
	Source     string
	Type       string
	Start      int
	End        int
	Attributes map[string]string
}

// gffReader reads GFF3 feature lines one at a time. GTF-style
// attributes (key "value";) are accepted too.
type gffReader struct {
	scanner *bufio.Scanner
	line    int
	done    bool
}

func newGFFReader(r io.Reader) *gffReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &gffReader{scanner: scanner}
}

// Read returns the next feature. At the end of the feature section it
// returns io.EOF; any other error means the input is unusable.
func (r *gffReader) Read() (*gffRecord, error) {
	for !r.done && r.scanner.Scan() {
		r.line++
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "##FASTA" {
			r.done = true
			break
		}
		if line == "" || line[0] == '#' {
			continue
		}
		return r.parse(line)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

func (r *gffReader) parse(line string) (*gffRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 9 {
		return nil, &ParseError{Line: r.line, Msg: fmt.Sprintf("expected 9 tab-separated fields, found %d", len(fields))}
	}
	start, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, &ParseError{Line: r.line, Msg: fmt.Sprintf("bad start %q", fields[3])}
	}
	end, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, &ParseError{Line: r.line, Msg: fmt.Sprintf("bad end %q", fields[4])}
	}
	if start < 1 || end < start {
		return nil, &ParseError{Line: r.line, Msg: fmt.Sprintf("bad interval %d-%d", start, end)}
	}
	attrs, err := parseAttributes(fields[8])
	if err != nil {
		return nil, &ParseError{Line: r.line, Msg: err.Error()}
	}
	return &gffRecord{
		Seqname:    fields[0],
		Source:     fields[1],
		Type:       fields[2],
		Start:      start,
		End:        end,
		Attributes: attrs,
	}, nil
}

func parseAttributes(col string) (map[string]string, error) {
	attrs := map[string]string{}
	if col == "." {
		return attrs, nil
	}
	for _, tok := range strings.Split(col, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if eq := strings.IndexByte(tok, '='); eq > 0 {
			val, err := url.PathUnescape(tok[eq+1:])
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", tok[:eq], err)
			}
			attrs[tok[:eq]] = val
		} else if sp := strings.IndexByte(tok, ' '); sp > 0 {
			attrs[tok[:sp]] = strings.Trim(strings.TrimSpace(tok[sp+1:]), `"`)
		} else {
			return nil, fmt.Errorf("malformed attribute %q", tok)
		}
	}
	return attrs, nil
}

// findLocus returns the interval spanning every feature whose Name
// attribute contains name.
func findLocus(rdr io.Reader, name string) (Locus, error) {
	var locus Locus
	seqnames := map[string]bool{}
	gff := newGFFReader(rdr)
	for {
		rec, err := gff.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return Locus{}, err
		}
		if !strings.Contains(rec.Attributes["Name"], name) {
			continue
		}
		if len(seqnames) == 0 {
			locus = Locus{Seqname: rec.Seqname, Start: rec.Start, End: rec.End}
		}
		seqnames[rec.Seqname] = true
		if rec.Start < locus.Start {
			locus.Start = rec.Start
		}
		if rec.End > locus.End {
			locus.End = rec.End
		}
	}
	if len(seqnames) == 0 {
		return Locus{}, ErrMissingLocus
	}
	if len(seqnames) > 1 {
		var names []string
		for sn := range seqnames {
			names = append(names, sn)
		}
		sort.Strings(names)
		return Locus{}, &InconsistentLocusError{Seqnames: names}
	}
	return locus, nil
}

// loadLocus finds the XIST locus in the given (possibly gzipped)
// annotation file.
func loadLocus(fnm string) (Locus, error) {
	f, err := zopen(fnm)
	if err != nil {
		return Locus{}, err
	}
	defer f.Close()
	locus, err := findLocus(f, "XIST")
	if err != nil {
		return Locus{}, fmt.Errorf("%s: %w", fnm, err)
	}
	return locus, f.Close()
}
