package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) applyLateFees(ctx context.Context) error {
	n, err := cli.ledger.ApplyLateFees(ctx)
	fmt.Printf("late fee applied to %d fees\n", n)
	return err
}
