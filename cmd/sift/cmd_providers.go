package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(providersCmd)
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Connect to configured providers and print their status and tools",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if len(cfg.Providers) == 0 {
		fmt.Fprintln(os.Stderr, "No providers configured.")
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry := buildRegistry(cfg)
	registry.ConnectAll(ctx)
	defer registry.CloseAll()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCONNECTED\tSERVER\tTOOLS")
	for _, st := range registry.Statuses() {
		server := "-"
		if st.Connected {
			server = st.Server.Name + " " + st.Server.Version
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\n", st.Name, st.Connected, server, st.Tools)
	}
	w.Flush()

	catalog := registry.Catalog()
	if len(catalog) == 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tOWNER\tDESCRIPTION")
	for _, d := range catalog {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Provider, d.Description)
	}
	w.Flush()
	return nil
}
