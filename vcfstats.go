// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bufio"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// vcfStats runs the external statistics toolkit over a variant file
// and renders plots: a bcftools stats report, per-chromosome record
// counts, an ALT allele frequency vector as .npy, and matplotlib
// figures produced from the latter.
type vcfStats struct {
	bcftools string
}

//go:embed vcfstats.py
var vcfstatsScript string

func (cmd *vcfStats) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *vcfStats) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "", "input `vcf.gz`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	plot := flags.Bool("plot", true, "render plots with python3/matplotlib")
	flags.StringVar(&cmd.bcftools, "bcftools", "bcftools", "bcftools binary `path`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *inputFilename == "" {
		return fmt.Errorf("must provide -i")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "hapassoc vcf-stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4 << 30,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"vcf-stats", "-local=true",
			"-i=" + *inputFilename,
			"-output-dir=/mnt/output",
			"-plot=" + fmt.Sprintf("%v", *plot),
			"-bcftools=" + cmd.bcftools,
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output)
		return nil
	}

	reportFilename := *outputDir + "/stats.txt"
	report, err := os.Create(reportFilename)
	if err != nil {
		return err
	}
	defer report.Close()
	stats := exec.Command(cmd.bcftools, "stats", *inputFilename)
	stats.Stdout = report
	stats.Stderr = stderr
	log.Infof("running %v", stats.Args)
	err = stats.Run()
	if err != nil {
		return fmt.Errorf("bcftools stats: %w", err)
	}
	err = report.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s", reportFilename)

	afs, chromCounts, err := cmd.scanVCF(*inputFilename)
	if err != nil {
		return err
	}
	countsFilename := *outputDir + "/chrom_counts.tsv"
	err = writeChromCounts(countsFilename, chromCounts)
	if err != nil {
		return err
	}
	afFilename := *outputDir + "/af.npy"
	err = writeFloatNpy(afFilename, afs)
	if err != nil {
		return err
	}

	if !*plot {
		return nil
	}
	plotsDir := *outputDir + "/plots"
	err = os.MkdirAll(plotsDir, 0777)
	if err != nil {
		return err
	}
	python := exec.Command("python3", "-", afFilename, countsFilename, plotsDir)
	python.Stdin = strings.NewReader(vcfstatsScript)
	python.Stdout = stdout
	python.Stderr = stderr
	err = python.Run()
	if err != nil {
		return fmt.Errorf("python3: %w", err)
	}
	return nil
}

// scanVCF streams the variant file once, tallying records per
// chromosome and collecting the ALT allele frequency (INFO AF= first
// value) where present. Malformed lines are counted and reported, not
// fatal.
func (cmd *vcfStats) scanVCF(fnm string) (afs []float64, chromCounts map[string]int, err error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	chromCounts = map[string]int{}
	malformed := 0
	scanner := bufio.NewScanner(bufio.NewReaderSize(f, 1<<22))
	scanner.Buffer(nil, 1<<26)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 9)
		if len(fields) < 8 {
			malformed++
			continue
		}
		chromCounts[fields[0]]++
		for _, kv := range strings.Split(fields[7], ";") {
			if !strings.HasPrefix(kv, "AF=") {
				continue
			}
			first := strings.SplitN(strings.TrimPrefix(kv, "AF="), ",", 2)[0]
			af, err := strconv.ParseFloat(first, 64)
			if err == nil {
				afs = append(afs, af)
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", fnm, err)
	}
	if malformed > 0 {
		log.Warnf("%s: %d malformed records skipped", fnm, malformed)
	}
	total := 0
	for _, n := range chromCounts {
		total += n
	}
	log.Infof("%s: %d records on %d chromosomes, %d with AF", fnm, total, len(chromCounts), len(afs))
	return afs, chromCounts, nil
}

func writeChromCounts(fnm string, counts map[string]int) error {
	chroms := make([]string, 0, len(counts))
	for chrom := range counts {
		chroms = append(chroms, chrom)
	}
	sort.Strings(chroms)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "chrom\trecords")
	for _, chrom := range chroms {
		fmt.Fprintf(w, "%s\t%d\n", chrom, counts[chrom])
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

func writeFloatNpy(fnm string, data []float64) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	npw.Shape = []int{len(data)}
	err = npw.WriteFloat64(data)
	if err != nil {
		return fmt.Errorf("WriteFloat64: %w", err)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
