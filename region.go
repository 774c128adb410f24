// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// regionExtractor subsets an indexed, bgzip-compressed VCF to one
// genomic interval with bcftools, and indexes the result.
type regionExtractor struct {
	bcftools string
}

var regionRe = regexp.MustCompile(`^[A-Za-z0-9_.]+(:[0-9]+-[0-9]+)?$`)

func (cmd *regionExtractor) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *regionExtractor) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "", "input `vcf.gz` (index must exist alongside)")
	region := flags.String("region", "", "genomic interval `CHR:START-END` (or a whole chromosome `CHR`)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	flags.StringVar(&cmd.bcftools, "bcftools", "bcftools", "bcftools binary `path`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *inputFilename == "" || *region == "" {
		return fmt.Errorf("must provide -i and -region")
	}
	if !regionRe.MatchString(*region) {
		return fmt.Errorf("-region: cannot parse %q as CHR or CHR:START-END", *region)
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "hapassoc extract-region",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         2 << 30,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"extract-region", "-local=true",
			"-i=" + *inputFilename,
			"-region=" + *region,
			"-output-dir=/mnt/output",
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

	outFilename := *outputDir + "/" + regionFilename(*inputFilename, *region)
	view := exec.Command(cmd.bcftools, "view", "-r", *region, "-Oz", "-o", outFilename, *inputFilename)
	view.Stderr = stderr
	log.Infof("running %v", view.Args)
	err = view.Run()
	if err != nil {
		return fmt.Errorf("bcftools view: %w", err)
	}
	index := exec.Command(cmd.bcftools, "index", "-t", "-f", outFilename)
	index.Stderr = stderr
	log.Infof("running %v", index.Args)
	err = index.Run()
	if err != nil {
		return fmt.Errorf("bcftools index: %w", err)
	}
	fmt.Fprintln(stdout, outFilename)
	return nil
}

// regionFilename names the extracted subset after the source file and
// the interval, e.g. cohort.vcf.gz + chr17:45571000-46000000 =>
// cohort.chr17_45571000_46000000.vcf.gz.
func regionFilename(inputFilename, region string) string {
	base := path.Base(inputFilename)
	base = strings.TrimSuffix(base, ".vcf.gz")
	base = strings.TrimSuffix(base, ".vcf.bgz")
	tag := strings.NewReplacer(":", "_", "-", "_").Replace(region)
	return base + "." + tag + ".vcf.gz"
}
