// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// stager copies the compressed variant file and its index from remote
// object storage (gs:// URLs, arvados collection paths, or plain
// files) to a local directory, so the external genomics toolkit can
// seek in them.
type stager struct {
	gsClient *storage.Client
}

func (cmd *stager) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *stager) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	vcfFilename := flags.String("vcf", "", "remote `path` of compressed variant file")
	indexFilename := flags.String("index", "", "remote `path` of variant file index (default: -vcf value + \".tbi\")")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if *vcfFilename == "" {
		return fmt.Errorf("must provide -vcf")
	}
	if *indexFilename == "" {
		*indexFilename = *vcfFilename + ".tbi"
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "hapassoc stage",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         2 << 30,
			VCPUs:       2,
			Priority:    *priority,
			APIAccess:   true,
		}
		runner.Args = []string{"stage", "-local=true",
			"-vcf=" + *vcfFilename,
			"-index=" + *indexFilename,
			"-output-dir=/mnt/output",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output)
		return nil
	}

	if strings.HasPrefix(*vcfFilename, "gs://") || strings.HasPrefix(*indexFilename, "gs://") {
		cmd.gsClient, err = storage.NewClient(context.Background())
		if err != nil {
			return fmt.Errorf("google storage client: %w", err)
		}
		defer cmd.gsClient.Close()
	}

	staged := make([]string, 2)
	workers := throttle{Max: 2}
	for i, src := range []string{*vcfFilename, *indexFilename} {
		i, src := i, src
		workers.Go(func() error {
			dst, err := cmd.stageOne(src, *outputDir)
			staged[i] = dst
			return err
		})
	}
	if err := workers.Wait(); err != nil {
		return err
	}
	for _, dst := range staged {
		fmt.Fprintln(stdout, dst)
	}
	return nil
}

// parseGSPath splits gs://bucket/key into bucket and key.
func parseGSPath(p string) (bucket, key string, err error) {
	parts := strings.SplitN(strings.TrimPrefix(p, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse bucket and object from %q", p)
	}
	return parts[0], parts[1], nil
}

// stageOne copies one remote object into dir, skipping the copy when
// a local file of the expected size already exists. The object is
// written to a .partial file and renamed on success, so an
// interrupted copy never leaves a truncated file under the final
// name.
func (cmd *stager) stageOne(src, dir string) (string, error) {
	var rdr io.ReadCloser
	var size int64 = -1
	switch {
	case strings.HasPrefix(src, "gs://"):
		bucket, key, err := parseGSPath(src)
		if err != nil {
			return "", err
		}
		obj := cmd.gsClient.Bucket(bucket).Object(key)
		attrs, err := obj.Attrs(context.Background())
		if err != nil {
			return "", fmt.Errorf("%s: %w", src, err)
		}
		size = attrs.Size
		r, err := obj.NewReader(context.Background())
		if err != nil {
			return "", fmt.Errorf("%s: %w", src, err)
		}
		rdr = r
	default:
		f, err := open(src)
		if err != nil {
			return "", err
		}
		if statter, ok := f.(interface{ Stat() (os.FileInfo, error) }); ok {
			if fi, err := statter.Stat(); err == nil {
				size = fi.Size()
			}
		}
		rdr = f
	}
	defer rdr.Close()

	dst := filepath.Join(dir, path.Base(src))
	if fi, err := os.Stat(dst); err == nil && size >= 0 && fi.Size() == size {
		log.Infof("%s already staged (%d bytes), skipping", dst, fi.Size())
		return dst, nil
	}
	log.Infof("staging %s to %s", src, dst)
	partial := dst + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return "", err
	}
	defer os.Remove(partial)
	n, err := io.Copy(f, rdr)
	if err != nil {
		f.Close()
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	if size >= 0 && n != size {
		return "", fmt.Errorf("%s: copied %d bytes, expected %d", src, n, size)
	}
	err = os.Rename(partial, dst)
	if err != nil {
		return "", err
	}
	return dst, nil
}
