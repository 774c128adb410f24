// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// consensusExtractor computes per-participant homozygosity calls for
// the two haplotype groups: a participant is consensus for a group
// iff they are homozygous for that group's defining allele at every
// target site. The result is the consensus status table consumed by
// the associate command.
type consensusExtractor struct {
	batchArgs
}

// siteDef is one target position with its group-defining alleles.
type siteDef struct {
	pos string
	h1  string
	h2  string
}

var sitesHeader = []string{"pos", "h1_allele", "h2_allele"}

func (cmd *consensusExtractor) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *consensusExtractor) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	participantsFilename := flags.String("participants", "", "participant list `file`, one person_id per line")
	sitesFilename := flags.String("sites", "", "target site `table` (pos, h1_allele, h2_allele)")
	genotypesFilename := flags.String("genotypes", "", "genotype extract `table` (person_id, pos, allele1, allele2), optionally gzipped")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	cmd.batchArgs.Flags(flags)
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *participantsFilename == "" || *sitesFilename == "" || *genotypesFilename == "" {
		return fmt.Errorf("must provide -participants, -sites, and -genotypes")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		err = cmd.runBatches(context.Background(), *projectUUID, *priority, *participantsFilename, *sitesFilename, *genotypesFilename, stdout)
		return err
	}

	participants, err := loadParticipantList(*participantsFilename)
	if err != nil {
		return err
	}
	participants = cmd.batchArgs.Slice(participants)
	if len(participants) == 0 {
		return fmt.Errorf("fatal: 0 participants in batch, nothing to do")
	}
	sites, err := loadSiteDefs(*sitesFilename)
	if err != nil {
		return err
	}
	log.Infof("computing consensus for %d participants at %d target sites", len(participants), len(sites))

	calls, err := cmd.computeConsensus(participants, sites, *genotypesFilename)
	if err != nil {
		return err
	}

	outFilename := *outputDir + "/consensus.tsv"
	if cmd.batches > 1 {
		outFilename = fmt.Sprintf("%s/consensus.%d.tsv", *outputDir, cmd.batch)
	}
	f, err := os.Create(outFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, strings.Join(consensusHeader, "\t"))
	n1, n2 := 0, 0
	for _, id := range participants {
		call := calls[id]
		h1, h2 := 0, 0
		if call.H1 {
			h1, n1 = 1, n1+1
		}
		if call.H2 {
			h2, n2 = 1, n2+1
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", id, h1, h2)
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s: %d H1-consensus, %d H2-consensus, %d undetermined", outFilename, n1, n2, len(participants)-n1-n2)
	return nil
}

// runBatches submits the extraction as one or more containers, each
// computing its own shard of the participant list.
func (cmd *consensusExtractor) runBatches(ctx context.Context, projectUUID string, priority int, participantsFilename, sitesFilename, genotypesFilename string, stdout io.Writer) error {
	client := arvados.NewClientFromEnv()
	outputs, err := cmd.batchArgs.RunBatches(ctx, func(ctx context.Context, batch int) (string, error) {
		runner := arvadosContainerRunner{
			Name:        fmt.Sprintf("hapassoc consensus (%d/%d)", batch, cmd.batches),
			Client:      client,
			ProjectUUID: projectUUID,
			RAM:         8 << 30,
			VCPUs:       2,
			Priority:    priority,
		}
		p, s, g := participantsFilename, sitesFilename, genotypesFilename
		err := runner.TranslatePaths(&p, &s, &g)
		if err != nil {
			return "", err
		}
		runner.Args = []string{"consensus", "-local=true",
			"-pprof=:6060",
			"-participants=" + p,
			"-sites=" + s,
			"-genotypes=" + g,
			"-output-dir=/mnt/output",
		}
		runner.Args = append(runner.Args, cmd.batchArgs.Args(batch)...)
		return runner.RunContext(ctx)
	})
	if err != nil {
		return err
	}
	for _, out := range outputs {
		fmt.Fprintln(stdout, out)
	}
	return nil
}

// computeConsensus streams the genotype extract once, marking which
// target sites each participant is homozygous-consistent with, per
// group. A site never seen for a participant counts against
// consensus, so sparse genotype data yields 0/0, not a false call.
func (cmd *consensusExtractor) computeConsensus(participants []string, sites []siteDef, genotypesFilename string) (map[string]consensusCall, error) {
	siteIndex := map[string]int{}
	for i, site := range sites {
		siteIndex[site.pos] = i
	}
	want := map[string]bool{}
	for _, id := range participants {
		want[id] = true
	}
	type tally struct {
		h1 []bool
		h2 []bool
	}
	tallies := map[string]*tally{}

	f, err := zopen(genotypesFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(bufio.NewReaderSize(f, 1<<22))
	scanner.Buffer(nil, 1<<26)
	lineNum := 0
	malformed := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		split := strings.Split(line, "\t")
		if lineNum == 1 {
			if len(split) != 4 || split[0] != "person_id" {
				return nil, fmt.Errorf("%w: %s: expected header person_id/pos/allele1/allele2, got %q", ErrDataFormat, genotypesFilename, line)
			}
			continue
		}
		if len(split) != 4 {
			malformed++
			continue
		}
		id, pos, a1, a2 := split[0], split[1], split[2], split[3]
		if !want[id] {
			continue
		}
		idx, ok := siteIndex[pos]
		if !ok {
			continue
		}
		t := tallies[id]
		if t == nil {
			t = &tally{h1: make([]bool, len(sites)), h2: make([]bool, len(sites))}
			tallies[id] = t
		}
		if a1 == sites[idx].h1 && a2 == sites[idx].h1 {
			t.h1[idx] = true
		}
		if a1 == sites[idx].h2 && a2 == sites[idx].h2 {
			t.h2[idx] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", genotypesFilename, err)
	}
	if malformed > 0 {
		log.Warnf("%s: %d malformed records skipped", genotypesFilename, malformed)
	}

	all := func(marks []bool) bool {
		for _, m := range marks {
			if !m {
				return false
			}
		}
		return true
	}
	calls := map[string]consensusCall{}
	for id, t := range tallies {
		calls[id] = consensusCall{H1: all(t.h1), H2: all(t.h2)}
	}
	return calls, nil
}

// loadParticipantList reads one person_id per line, ignoring blank
// lines, and returns them sorted so batch slicing is stable across
// runs.
func loadParticipantList(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := map[string]bool{}
	for _, line := range bytes.Split(buf, []byte{'\n'}) {
		id := strings.TrimSuffix(string(line), "\r")
		if id == "" {
			continue
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s: duplicate participant id %q", ErrDataFormat, fnm, id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// loadSiteDefs reads the target site table.
func loadSiteDefs(fnm string) ([]siteDef, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	var sites []siteDef
	seen := map[string]bool{}
	lineNum := 0
	for _, tsv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		if len(tsv) == 0 {
			continue
		}
		split := strings.Split(strings.TrimSuffix(string(tsv), "\r"), "\t")
		if lineNum == 1 {
			if len(split) != len(sitesHeader) || split[0] != sitesHeader[0] {
				return nil, fmt.Errorf("%w: %s: expected header %v, got %q", ErrDataFormat, fnm, sitesHeader, tsv)
			}
			continue
		}
		if len(split) != len(sitesHeader) {
			return nil, fmt.Errorf("%w: %s line %d: %d fields != %d", ErrDataFormat, fnm, lineNum, len(split), len(sitesHeader))
		}
		if seen[split[0]] {
			return nil, fmt.Errorf("%w: %s line %d: duplicate site %q", ErrDataFormat, fnm, lineNum, split[0])
		}
		seen[split[0]] = true
		sites = append(sites, siteDef{pos: split[0], h1: split[1], h2: split[2]})
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: %s: no target sites", ErrDataFormat, fnm)
	}
	return sites, nil
}
