package main

import (
    "log"

    "github.com/spf13/cobra"

    ftcli "github.com/amirimatin/go-ftcomm/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "ftctl",
        Short:         "run and inspect fault-tolerant communicator processes",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    ftcli.AddAll(root)
    return root
}
