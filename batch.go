// Copyright (C) The Hapassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hapassoc

import (
	"context"
	"flag"
	"fmt"
)

// batchArgs shards a participant list across multiple containers.
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Args(batch int) []string {
	return []string{
		fmt.Sprintf("-batches=%d", b.batches),
		fmt.Sprintf("-batch=%d", batch),
	}
}

// RunBatches calls runFunc once per batch (all batches concurrently),
// and returns a slice of return values and the first returned error,
// if any. The shared context is canceled as soon as any batch fails,
// so sibling containers don't keep running after the job is doomed.
func (b *batchArgs) RunBatches(ctx context.Context, runFunc func(context.Context, int) (string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs := make([]string, b.batches)
	t := throttle{Max: b.batches}
	for batch := 0; batch < b.batches; batch++ {
		if b.batch >= 0 && b.batch != batch {
			continue
		}
		batch := batch
		t.Go(func() error {
			out, err := runFunc(ctx, batch)
			outputs[batch] = out
			if err != nil {
				cancel()
			}
			return err
		})
	}
	err := t.Wait()
	if b.batch >= 0 {
		outputs = outputs[b.batch : b.batch+1]
	}
	return outputs, err
}

// Slice returns the portion of in that belongs to the selected batch
// (all of in when batching is disabled).
func (b *batchArgs) Slice(in []string) []string {
	if b.batches == 0 || b.batch < 0 {
		return in
	}
	batchsize := (len(in) + b.batches - 1) / b.batches
	out := in[batchsize*b.batch:]
	if len(out) > batchsize {
		out = out[:batchsize]
	}
	return out
}
