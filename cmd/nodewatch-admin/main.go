// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// nodewatch-admin manages the node registry backing the ingestion
// server.
//
// Usage:
//
//	nodewatch-admin node create --name <name> [--url <url>]
//	nodewatch-admin node list
//	nodewatch-admin node delete --name <name>
//
// "node create" prints the generated access key and secret exactly
// once; only a salted hash of the secret is stored.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/nodewatch/nodewatch/lib/clock"
	"github.com/nodewatch/nodewatch/lib/config"
	"github.com/nodewatch/nodewatch/lib/version"
	"github.com/nodewatch/nodewatch/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "node":
		err = nodeCmd(os.Args[2:])
	case "version", "--version", "-v":
		version.Print("nodewatch-admin")
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  nodewatch-admin node create --name <name> [--url <url>]
  nodewatch-admin node list
  nodewatch-admin node delete --name <name>

The database is located through the config file named by --config or
the NODEWATCH_CONFIG environment variable.
`)
}

func nodeCmd(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("node: missing subcommand")
	}
	switch args[0] {
	case "create":
		return nodeCreateCmd(args[1:])
	case "list":
		return nodeListCmd(args[1:])
	case "delete":
		return nodeDeleteCmd(args[1:])
	default:
		return fmt.Errorf("node: unknown subcommand %q", args[0])
	}
}

// openStore loads the config named by --config (or the environment)
// and opens the store against its database.
func openStore(configPath string) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("NODEWATCH_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return store.Open(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: 1,
		Clock:    clock.Real(),
		Logger:   logger,
	})
}

func nodeCreateCmd(args []string) error {
	var configPath, name, url string
	flagSet := pflag.NewFlagSet("node create", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&name, "name", "", "unique node name")
	flagSet.StringVar(&url, "url", "", "node URL, for display only")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("node create: --name is required")
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	node, secret, err := st.CreateNode(context.Background(), name, url)
	if err != nil {
		return err
	}

	fmt.Printf("created node %d (%s)\n\n", node.ID, node.Name)
	fmt.Printf("  access key: %s\n", node.AccessKey)
	fmt.Printf("  secret:     %s\n\n", secret)
	fmt.Println("The secret is not stored and cannot be shown again.")
	return nil
}

func nodeListCmd(args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("node list", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	nodes, err := st.ListNodes(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACCESS KEY\tURL\tCREATED")
	for _, node := range nodes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			node.ID, node.Name, node.AccessKey, node.URL,
			node.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func nodeDeleteCmd(args []string) error {
	var configPath, name string
	flagSet := pflag.NewFlagSet("node delete", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&name, "name", "", "node name to delete")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("node delete: --name is required")
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteNode(context.Background(), name); err != nil {
		return err
	}
	fmt.Printf("deleted node %s\n", name)
	return nil
}
