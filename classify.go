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
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"strings"

	"github.com/arvados/xistsex/mixture"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type sample struct {
	Filename string
	Count    mixture.SampleCount
}

type outputRow struct {
	sample
	FemaleProb float64
	MaleProb   float64
}

var classifyHeader = []string{"filename", "ychrom_count", "xist_count", "total_count", "female_prob", "male_prob"}

// modelArgs holds the flags shared by the subcommands that fit the
// model.
type modelArgs struct {
	maxIterations  int
	tolerance      float64
	optimizer      string
	strict         bool
	outputFilename string
	npyFilename    string
}

func (ma *modelArgs) Flags(flags *flag.FlagSet) {
	defaults := mixture.DefaultTrainer()
	flags.IntVar(&ma.maxIterations, "max-iterations", defaults.MaxIterations, "give up if EM has not converged after `N` iterations")
	flags.Float64Var(&ma.tolerance, "tolerance", defaults.Tolerance, "EM convergence threshold (max change in any log-scale parameter)")
	flags.StringVar(&ma.optimizer, "optimizer", "cg", "M-step optimizer ("+strings.Join(mixture.MinimizerNames(), ", ")+")")
	flags.BoolVar(&ma.strict, "strict", false, "fail instead of warning when the fitted components cannot be labeled female/male")
	flags.StringVar(&ma.outputFilename, "o", "-", "output csv `file`")
	flags.StringVar(&ma.npyFilename, "npy", "", "also write (female_prob, male_prob) matrix to numpy `file`")
}

// Args returns the command line flags that reproduce ma's model
// settings.
func (ma *modelArgs) Args() []string {
	return []string{
		fmt.Sprintf("-max-iterations=%d", ma.maxIterations),
		fmt.Sprintf("-tolerance=%g", ma.tolerance),
		"-optimizer=" + ma.optimizer,
		fmt.Sprintf("-strict=%v", ma.strict),
	}
}

func (ma *modelArgs) Trainer() (*mixture.Trainer, error) {
	minimizer, err := mixture.NewMinimizer(ma.optimizer)
	if err != nil {
		return nil, err
	}
	trainer := mixture.DefaultTrainer()
	trainer.Minimizer = minimizer
	trainer.MaxIterations = ma.maxIterations
	trainer.Tolerance = ma.tolerance
	return trainer, nil
}

// classifyAndWrite fits the model to samples and writes the results.
// Nothing is written if the fit fails.
func (ma *modelArgs) classifyAndWrite(samples []sample, stdout io.Writer) error {
	trainer, err := ma.Trainer()
	if err != nil {
		return err
	}
	rows, resolution, err := classifySamples(samples, trainer)
	if err != nil {
		return err
	}
	if resolution.Ambiguous {
		if ma.strict {
			return fmt.Errorf("ambiguous classification: %s", resolution.Reason)
		}
		log.Warnf("ambiguous classification: %s (input may not contain both sexes); output is low-confidence", resolution.Reason)
	}
	if ma.npyFilename != "" {
		err = writeNumpyProbs(ma.npyFilename, rows)
		if err != nil {
			return err
		}
	}
	var output io.WriteCloser
	if ma.outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(ma.outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = writeClassifyCSV(bufw, rows)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

// classifySamples computes features, fits the mixture model, and
// labels each sample's posterior as female/male. Rows are in input
// order.
func classifySamples(samples []sample, trainer *mixture.Trainer) ([]outputRow, mixture.Resolution, error) {
	counts := make([]mixture.SampleCount, len(samples))
	for i, s := range samples {
		counts[i] = s.Count
	}
	fit, err := trainer.Train(mixture.Features(counts))
	if err != nil {
		return nil, mixture.Resolution{}, err
	}
	if err = fit.Err(); err != nil {
		return nil, mixture.Resolution{}, err
	}
	resolution := mixture.Resolve(fit.Params, fit.Responsibilities)
	log.WithFields(log.Fields{
		"iterations": fit.Iterations,
		"samples":    len(samples),
	}).Infof("mixture model %s: %v; %v", fit.Status, fit.Params, resolution)
	probs := resolution.Apply(fit.Responsibilities)
	rows := make([]outputRow, len(samples))
	for i, s := range samples {
		rows[i] = outputRow{
			sample:     s,
			FemaleProb: probs.At(i, 0),
			MaleProb:   probs.At(i, 1),
		}
	}
	return rows, resolution, nil
}

func writeClassifyCSV(w io.Writer, rows []outputRow) error {
	cw := csv.NewWriter(w)
	cw.Write(classifyHeader)
	for _, row := range rows {
		cw.Write([]string{
			row.Filename,
			strconv.FormatUint(row.Count.YChrom, 10),
			strconv.FormatUint(row.Count.XIST, 10),
			strconv.FormatUint(row.Count.Total, 10),
			strconv.FormatFloat(row.FemaleProb, 'f', 6, 64),
			strconv.FormatFloat(row.MaleProb, 'f', 6, 64),
		})
	}
	cw.Flush()
	return cw.Error()
}

func writeNumpyProbs(fnm string, rows []outputRow) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	out := make([]float64, 0, len(rows)*2)
	for _, row := range rows {
		out = append(out, row.FemaleProb, row.MaleProb)
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     len(rows),
		"cols":     2,
	}).Infof("writing numpy: %s", fnm)
	npw.Shape = []int{len(rows), 2}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// commonArgs handles the flags every subcommand accepts.
type commonArgs struct {
	pprof    string
	loglevel string
}

func (ca *commonArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&ca.pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.StringVar(&ca.loglevel, "loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
}

// Setup applies the parsed flags.
func (ca *commonArgs) Setup() error {
	lvl, err := log.ParseLevel(ca.loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if ca.pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(ca.pprof, nil))
		}()
	}
	return nil
}

type classifycmd struct {
	common    commonArgs
	count     countArgs
	model     modelArgs
	container containerArgs
}

func (cmd *classifycmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.common.Flags(flags)
	cmd.count.Flags(flags)
	cmd.model.Flags(flags)
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
		if cmd.model.outputFilename != "-" || cmd.model.npyFilename != "" {
			err = errors.New("cannot specify output files in container mode: not implemented")
			return 1
		}
		runargs := []string{"classify", "-local=true", "-loglevel=" + cmd.common.loglevel, "-o", "/mnt/output/classify.csv", "-npy", "/mnt/output/probs.npy"}
		runargs = append(runargs, cmd.count.Args(cmd.container.vcpus)...)
		runargs = append(runargs, cmd.model.Args()...)
		var output string
		output, err = cmd.container.run("xistsex classify", runargs, append([]string(nil), flags.Args()...))
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/classify.csv")
		fmt.Fprintln(stdout, output+"/probs.npy")
		return 0
	}

	samples, err := cmd.count.countInputs(context.Background(), flags.Arg(0), flags.Args()[1:])
	if err != nil {
		return 1
	}
	err = cmd.model.classifyAndWrite(samples, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// classifyCountsCmd fits the model to the output of the "count"
// subcommand.
type classifyCountsCmd struct {
	common commonArgs
	model  modelArgs
}

func (cmd *classifyCountsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file` (csv from count subcommand)")
	cmd.common.Flags(flags)
	cmd.model.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	err = cmd.common.Setup()
	if err != nil {
		return 2
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = zopen(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	samples, err := readCounts(input)
	if err != nil {
		err = fmt.Errorf("%s: %w", *inputFilename, err)
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	err = cmd.model.classifyAndWrite(samples, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// readCounts parses count CSV data as written by writeCountsCSV. The
// header row is required; extra columns are ignored.
func readCounts(r io.Reader) ([]sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty input")
	} else if err != nil {
		return nil, err
	}
	if len(header) < len(countsHeader) || strings.Join(header[:len(countsHeader)], ",") != strings.Join(countsHeader, ",") {
		return nil, fmt.Errorf("unexpected header %q, expected %q", header, countsHeader)
	}
	var samples []sample
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if len(rec) < len(countsHeader) {
			return nil, fmt.Errorf("line %d: expected %d fields, found %d", line, len(countsHeader), len(rec))
		}
		var vals [3]uint64
		for i := range vals {
			vals[i], err = strconv.ParseUint(rec[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, countsHeader[i+1], err)
			}
		}
		samples = append(samples, sample{
			Filename: rec[0],
			Count:    mixture.SampleCount{YChrom: vals[0], XIST: vals[1], Total: vals[2]},
		})
	}
	return samples, nil
}
