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
	"strconv"
	"strings"

	"cloud.google.com/go/bigquery"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

// cohortDefiner queries the clinical data warehouse for the
// participant list and builds the phenotype table: person_id plus one
// binary column per phenotype definition.
type cohortDefiner struct {
	bqProject string
	bqDataset string
}

// phenotypeDef is one row of the definitions file: a phenotype name
// and the condition concept ids that make a participant a case.
type phenotypeDef struct {
	name     string
	concepts []int64
}

func (cmd *cohortDefiner) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *cohortDefiner) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	definitionsFilename := flags.String("definitions", "", "phenotype definitions `tsv` (phenotype, comma-separated concept_ids)")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	flags.StringVar(&cmd.bqProject, "bq-project", "", "BigQuery billing `project`")
	flags.StringVar(&cmd.bqDataset, "bq-dataset", "", "BigQuery `dataset` holding the clinical tables")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *definitionsFilename == "" || cmd.bqProject == "" || cmd.bqDataset == "" {
		return fmt.Errorf("must provide -definitions, -bq-project, and -bq-dataset")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "hapassoc define-cohort",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         2 << 30,
			VCPUs:       1,
			Priority:    *priority,
			APIAccess:   true,
		}
		err = runner.TranslatePaths(definitionsFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"define-cohort", "-local=true",
			"-definitions=" + *definitionsFilename,
			"-output-dir=/mnt/output",
			"-bq-project=" + cmd.bqProject,
			"-bq-dataset=" + cmd.bqDataset,
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output)
		return nil
	}

	defs, err := loadPhenotypeDefs(*definitionsFilename)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client, err := bigquery.NewClient(ctx, cmd.bqProject)
	if err != nil {
		return fmt.Errorf("connecting to BigQuery: %w", err)
	}
	defer client.Close()

	persons, err := cmd.queryPersonIDs(ctx, client, fmt.Sprintf(`SELECT person_id FROM %s.person`, cmd.bqDataset))
	if err != nil {
		return err
	}
	if len(persons) == 0 {
		return fmt.Errorf("person table in %s.%s is empty", cmd.bqProject, cmd.bqDataset)
	}
	log.Infof("%d participants in %s.person", len(persons), cmd.bqDataset)

	// Participants with no condition records at all cannot be
	// distinguished from participants who were never observed, so
	// their phenotype cells are emitted as NA rather than 0.
	observed, err := cmd.queryPersonIDs(ctx, client, fmt.Sprintf(`SELECT DISTINCT person_id FROM %s.condition_occurrence`, cmd.bqDataset))
	if err != nil {
		return err
	}

	cases := make([]map[string]bool, len(defs))
	for i, def := range defs {
		ids := make([]string, len(def.concepts))
		for j, c := range def.concepts {
			ids[j] = strconv.FormatInt(c, 10)
		}
		set, err := cmd.queryPersonIDs(ctx, client, fmt.Sprintf(`SELECT DISTINCT person_id FROM %s.condition_occurrence WHERE condition_concept_id IN (%s)`, cmd.bqDataset, strings.Join(ids, ", ")))
		if err != nil {
			return err
		}
		cases[i] = set
		log.Infof("phenotype %s: %d cases", def.name, len(set))
	}

	sorted := make([]string, 0, len(persons))
	for id := range persons {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	participantsFilename := *outputDir + "/participants.tsv"
	f, err := os.Create(participantsFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, id := range sorted {
		fmt.Fprintln(w, id)
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s", participantsFilename)

	phenotypesFilename := *outputDir + "/phenotypes.tsv"
	f, err = os.Create(phenotypesFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	w = bufio.NewWriter(f)
	cols := []string{"person_id"}
	for _, def := range defs {
		cols = append(cols, def.name)
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, id := range sorted {
		row := []string{id}
		for i := range defs {
			switch {
			case cases[i][id]:
				row = append(row, "1")
			case observed[id]:
				row = append(row, "0")
			default:
				row = append(row, "NA")
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s", phenotypesFilename)
	return nil
}

func (cmd *cohortDefiner) queryPersonIDs(ctx context.Context, client *bigquery.Client, sql string) (map[string]bool, error) {
	itr, err := client.Query(sql).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery: %w", err)
	}
	ids := map[string]bool{}
	for {
		var values struct {
			PersonID int64 `bigquery:"person_id"`
		}
		err := itr.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bigquery: %w", err)
		}
		// Participant ids are treated as opaque strings from
		// here on, so numeric-looking ids join reliably with
		// the other sources.
		ids[strconv.FormatInt(values.PersonID, 10)] = true
	}
	return ids, nil
}

// loadPhenotypeDefs reads the definitions file: header row, then
// phenotype name and comma-separated condition concept ids.
func loadPhenotypeDefs(fnm string) ([]phenotypeDef, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	var defs []phenotypeDef
	seen := map[string]bool{}
	lineNum := 0
	for _, tsv := range bytes.Split(buf, []byte{'\n'}) {
		lineNum++
		if len(tsv) == 0 || lineNum == 1 {
			continue
		}
		split := strings.Split(strings.TrimSuffix(string(tsv), "\r"), "\t")
		if len(split) != 2 {
			return nil, fmt.Errorf("%w: %s line %d: expected 2 fields, got %d", ErrDataFormat, fnm, lineNum, len(split))
		}
		name := split[0]
		if name == "" || seen[name] {
			return nil, fmt.Errorf("%w: %s line %d: empty or duplicate phenotype name %q", ErrDataFormat, fnm, lineNum, name)
		}
		seen[name] = true
		def := phenotypeDef{name: name}
		for _, s := range strings.Split(split[1], ",") {
			c, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: cannot parse concept id %q", ErrDataFormat, fnm, lineNum, s)
			}
			def.concepts = append(def.concepts, c)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: %s: no phenotype definitions", ErrDataFormat, fnm)
	}
	return defs, nil
}
