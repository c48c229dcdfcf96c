// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
)

var countsHeader = []string{"filename", "ychrom_count", "xist_count", "total_count"}

type countArgs struct {
	decompressCmd string
	threads       int
}

func (ca *countArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&ca.decompressCmd, "decompress-cmd", "", "pipe each alignment file through `command` before parsing ({} is replaced by the filename; otherwise the file is sent to stdin)")
	flags.IntVar(&ca.threads, "threads", runtime.NumCPU(), "number of alignment files to read concurrently")
}

// Args returns the command line flags that reproduce ca, for running
// the same work in a container with the given number of VCPUs.
func (ca *countArgs) Args(vcpus int) []string {
	return []string{
		"-decompress-cmd=" + ca.decompressCmd,
		fmt.Sprintf("-threads=%d", vcpus),
	}
}

// countInputs finds the XIST locus in the annotation file, then
// counts alignments in each input file. The returned samples are in
// the same order as inputs. If any file fails, the others are
// cancelled and the first error is returned.
func (ca *countArgs) countInputs(ctx context.Context, annotation string, inputs []string) ([]sample, error) {
	locus, err := loadLocus(annotation)
	if err != nil {
		return nil, err
	}
	log.Infof("XIST locus is %s", locus)
	counter := newAlignmentCounter(locus, ca.decompressCmd)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples := make([]sample, len(inputs))
	thr := throttle{Max: ca.threads}
	for i, fnm := range inputs {
		i, fnm := i, fnm
		if ctx.Err() != nil {
			break
		}
		thr.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			count, err := counter.CountFile(ctx, fnm)
			if err != nil {
				// Report before cancelling, so this error
				// wins over the cancellations it causes.
				thr.Report(err)
				cancel()
				return err
			}
			samples[i] = sample{Filename: fnm, Count: count}
			return nil
		})
	}
	err = thr.Wait()
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func writeCountsCSV(w io.Writer, samples []sample) error {
	cw := csv.NewWriter(w)
	cw.Write(countsHeader)
	for _, s := range samples {
		cw.Write([]string{
			s.Filename,
			strconv.FormatUint(s.Count.YChrom, 10),
			strconv.FormatUint(s.Count.XIST, 10),
			strconv.FormatUint(s.Count.Total, 10),
		})
	}
	cw.Flush()
	return cw.Error()
}

// countcmd writes per-file counts without fitting the model, so
// large batches can be counted in separate jobs and classified
// together with classify-counts.
type countcmd struct {
	common    commonArgs
	count     countArgs
	container containerArgs
}

func (cmd *countcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] annotation.gff3 alignments.bam [alignments.bam ...]\n", prog)
		flags.PrintDefaults()
	}
	outputFilename := flags.String("o", "-", "output csv `file`")
	cmd.common.Flags(flags)
	cmd.count.Flags(flags)
	cmd.container.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() < 2 {
		flags.Usage()
		return 2
	}
	err = cmd.common.Setup()
	if err != nil {
		return 2
	}

	if !cmd.container.local {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runargs := append([]string{"count", "-local=true", "-loglevel=" + cmd.common.loglevel, "-o", "/mnt/output/counts.csv"}, cmd.count.Args(cmd.container.vcpus)...)
		var output string
		output, err = cmd.container.run("xistsex count", runargs, append([]string(nil), flags.Args()...))
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/counts.csv")
		return 0
	}

	samples, err := cmd.count.countInputs(context.Background(), flags.Arg(0), flags.Args()[1:])
	if err != nil {
		return 1
	}
	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = writeCountsCSV(bufw, samples)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type locuscmd struct{}

func (cmd *locuscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: %s annotation.gff3\n", prog)
		return 2
	}
	locus, err := loadLocus(flags.Arg(0))
	if err != nil {
		return 1
	}
	fmt.Fprintf(stdout, "%s\t%d\t%d\n", locus.Seqname, locus.Start, locus.End)
	return 0
}
