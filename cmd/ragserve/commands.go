// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRAG/pkg/logging"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/retrieval"
)

// cliOptions holds the flags shared by every command.
type cliOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	rootCmd := &cobra.Command{
		Use:          "ragserve",
		Short:        "Retrieval-augmented question answering over local documents",
		Version:      orchestrator.Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default ./"+config.DefaultFileName+".yaml when present)")

	rootCmd.AddCommand(newServeCmd(opts), newIndexCmd(opts), newConfigCmd())
	return rootCmd
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts, "ragserve")
			if err != nil {
				return err
			}
			defer logger.Close()

			svc, err := orchestrator.New(cfg, logger.Slog())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return svc.Run(ctx)
		},
	}
}

// =============================================================================
// index
// =============================================================================

type indexOptions struct {
	path      string
	recursive bool
	rebuild   bool
	fileTypes []string
}

func newIndexCmd(opts *cliOptions) *cobra.Command {
	flags := &indexOptions{}
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the document index offline",
		Long: `Scans a file or directory, chunks and embeds every matching file and
persists the index where the server looks for it on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts, "ragserve-index")
			if err != nil {
				return err
			}
			defer logger.Close()

			embedder, err := orchestrator.NewEmbedder(cfg, logger.Slog())
			if err != nil {
				return err
			}
			defer embedder.Close()
			ingestor := orchestrator.NewIngestor(cfg, embedder, logger.Slog())
			result, err := ingestor.Ingest(cmd.Context(), retrieval.IngestRequest{
				Path:      flags.path,
				Recursive: flags.recursive,
				Rebuild:   flags.rebuild,
				FileTypes: flags.fileTypes,
			}, cfg.SaveDir())
			if err != nil {
				return fmt.Errorf("index %s: %w", flags.path, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(datatypes.DocumentResponse{
				Status:       "ok",
				IndexedFiles: result.Files,
				Nodes:        result.Nodes,
				PersistDir:   result.PersistDir,
			})
		},
	}
	cmd.Flags().StringVarP(&flags.path, "path", "p", "", "file or directory to index")
	cmd.Flags().BoolVarP(&flags.recursive, "recursive", "r", true, "descend into subdirectories")
	cmd.Flags().BoolVar(&flags.rebuild, "rebuild", false, "discard the existing index first")
	cmd.Flags().StringSliceVar(&flags.fileTypes, "types", retrieval.DefaultFileTypes, "file extensions to include")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&path, "path", "p", config.DefaultFileName+".yaml", "destination file")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(initCmd)
	return configCmd
}

// =============================================================================
// Helpers
// =============================================================================

// setup loads the configuration and builds the process logger.
func setup(opts *cliOptions, service string) (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: service,
		Format:  logging.Format(cfg.LogFormat),
	})
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}
