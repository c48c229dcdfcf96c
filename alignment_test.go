// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/arvados/xistsex/mixture"
	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"gopkg.in/check.v1"
)

type alignmentSuite struct{}

var _ = check.Suite(&alignmentSuite{})

var testLocus = Locus{Seqname: "chrX", Start: 73820649, End: 73852753}

const testSAMHeader = "@HD\tVN:1.6\tSO:unsorted\n" +
	"@SQ\tSN:chr1\tLN:248956422\n" +
	"@SQ\tSN:chrX\tLN:156040895\n" +
	"@SQ\tSN:chrY\tLN:57227415\n"

// 5 mapped (1 on chrY, 2 touching the XIST locus) and 1 unmapped.
const testSAM = testSAMHeader +
	"r1\t0\tchrY\t100\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n" +
	"r2\t0\tchrX\t73820650\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n" +
	"r3\t16\tchrX\t73820630\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n" +
	"r4\t0\tchrX\t73820640\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n" +
	"r5\t4\t*\t0\t0\t*\t*\t0\t0\tACGTA\t*\n" +
	"r6\t0\tchr1\t500\t60\t5M\t*\t0\t0\tACGTA\t*\n"

var testSAMCount = mixture.SampleCount{YChrom: 1, XIST: 2, Total: 5}

// samToBAM converts SAM text to BAM.
func samToBAM(c *check.C, samText string) []byte {
	rdr, err := sam.NewReader(strings.NewReader(samText))
	c.Assert(err, check.IsNil)
	var buf bytes.Buffer
	bw, err := bam.NewWriter(&buf, rdr.Header(), 1)
	c.Assert(err, check.IsNil)
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		}
		c.Assert(err, check.IsNil)
		c.Assert(bw.Write(rec), check.IsNil)
	}
	c.Assert(bw.Close(), check.IsNil)
	return buf.Bytes()
}

func gzipBytes(c *check.C, data []byte) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	c.Assert(err, check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	return buf.Bytes()
}

func (s *alignmentSuite) TestCountSAM(c *check.C) {
	ac := newAlignmentCounter(testLocus, "")
	count, err := ac.Count(context.Background(), "test.sam", strings.NewReader(testSAM))
	c.Assert(err, check.IsNil)
	c.Check(count, check.Equals, testSAMCount)
}

func (s *alignmentSuite) TestCountBAM(c *check.C) {
	ac := newAlignmentCounter(testLocus, "")
	count, err := ac.Count(context.Background(), "test.bam", bytes.NewReader(samToBAM(c, testSAM)))
	c.Assert(err, check.IsNil)
	c.Check(count, check.Equals, testSAMCount)
}

func (s *alignmentSuite) TestCountFile(c *check.C) {
	tmpdir := c.MkDir()
	files := map[string][]byte{
		"a.sam":    []byte(testSAM),
		"a.sam.gz": gzipBytes(c, []byte(testSAM)),
		"a.bam":    samToBAM(c, testSAM),
	}
	for name, data := range files {
		c.Assert(os.WriteFile(tmpdir+"/"+name, data, 0666), check.IsNil)
	}
	for _, trial := range []struct {
		name          string
		decompressCmd string
	}{
		{"a.sam", ""},
		{"a.sam.gz", ""},
		{"a.bam", ""},
		{"a.sam", "cat"},
		{"a.bam", "cat {}"},
		{"a.sam.gz", "gzip -dc"},
	} {
		c.Logf("%s %q", trial.name, trial.decompressCmd)
		ac := newAlignmentCounter(testLocus, trial.decompressCmd)
		count, err := ac.CountFile(context.Background(), tmpdir+"/"+trial.name)
		c.Check(err, check.IsNil)
		c.Check(count, check.Equals, testSAMCount)
	}
}

func (s *alignmentSuite) TestMissingReference(c *check.C) {
	ac := newAlignmentCounter(testLocus, "")
	samText := "@SQ\tSN:chr1\tLN:248956422\n" +
		"r6\t0\tchr1\t500\t60\t5M\t*\t0\t0\tACGTA\t*\n"
	_, err := ac.Count(context.Background(), "chr1only.sam", strings.NewReader(samText))
	var mre *MissingReferenceError
	c.Assert(errors.As(err, &mre), check.Equals, true)
	c.Check(mre.Filename, check.Equals, "chr1only.sam")
	c.Check(mre.Seqnames, check.DeepEquals, []string{testLocus.Seqname})
	c.Check(err, check.ErrorMatches, `chr1only.sam: header has no Y chromosome \(Y, chrY\) and no `+testLocus.Seqname+` reference for XIST locus .*`)

	// Either reference is enough.
	samText = "@SQ\tSN:Y\tLN:57227415\n"
	count, err := ac.Count(context.Background(), "yonly.sam", strings.NewReader(samText))
	c.Check(err, check.IsNil)
	c.Check(count, check.Equals, mixture.SampleCount{})
	samText = "@SQ\tSN:chrX\tLN:156040895\n"
	count, err = ac.Count(context.Background(), "xonly.sam", strings.NewReader(samText))
	c.Check(err, check.IsNil)
	c.Check(count, check.Equals, mixture.SampleCount{})
}

func (s *alignmentSuite) TestMalformedRecord(c *check.C) {
	ac := newAlignmentCounter(testLocus, "")
	samText := testSAMHeader +
		"r1\t0\tchrY\t100\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n" +
		"r2\t0\tchrY\tonehundred\t60\t10M\t*\t0\t0\tACGTACGTAC\t*\n"
	_, err := ac.Count(context.Background(), "bad.sam", strings.NewReader(samText))
	c.Check(err, check.ErrorMatches, `bad.sam: record 2: .*`)
}

func (s *alignmentSuite) TestTruncatedBAM(c *check.C) {
	ac := newAlignmentCounter(testLocus, "")
	data := samToBAM(c, testSAM)
	_, err := ac.CountFile(context.Background(), "/nonexistent/a.bam")
	c.Check(err, check.NotNil)
	tmpdir := c.MkDir()
	// Drop the EOF marker block and the end of the last data block.
	c.Assert(os.WriteFile(tmpdir+"/trunc.bam", data[:len(data)-40], 0666), check.IsNil)
	_, err = ac.CountFile(context.Background(), tmpdir+"/trunc.bam")
	c.Check(err, check.NotNil)
}

func (s *alignmentSuite) TestDecompressArgs(c *check.C) {
	args, viaStdin, err := decompressArgs("samtools view -h {}", "/data/a.cram")
	c.Check(err, check.IsNil)
	c.Check(args, check.DeepEquals, []string{"samtools", "view", "-h", "/data/a.cram"})
	c.Check(viaStdin, check.Equals, false)

	args, viaStdin, err = decompressArgs("zstd -dc", "/data/a.sam.zst")
	c.Check(err, check.IsNil)
	c.Check(args, check.DeepEquals, []string{"zstd", "-dc"})
	c.Check(viaStdin, check.Equals, true)

	_, _, err = decompressArgs("  ", "/data/a.sam")
	c.Check(err, check.ErrorMatches, `empty decompress command`)
}

func (s *alignmentSuite) TestDecompressCommandFails(c *check.C) {
	tmpdir := c.MkDir()
	c.Assert(os.WriteFile(tmpdir+"/a.sam", []byte(testSAM), 0666), check.IsNil)
	rc, err := openDecompressed(context.Background(), "sh -c {}", "echo oops >&2; exit 3")
	c.Assert(err, check.IsNil)
	_, err = io.ReadAll(rc)
	c.Check(err, check.IsNil)
	c.Check(rc.Close(), check.ErrorMatches, `sh: exit status 3: oops`)

	ac := newAlignmentCounter(testLocus, "/nonexistent/decompressor")
	_, err = ac.CountFile(context.Background(), tmpdir+"/a.sam")
	c.Check(err, check.ErrorMatches, `/nonexistent/decompressor: .*`)
}
