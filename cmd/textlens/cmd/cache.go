package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/textlens/textlens/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show result cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredCache(cmd)
		if err != nil {
			return err
		}

		n, err := store.Len()
		if err != nil {
			return fmt.Errorf("failed to read cache stats: %w", err)
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\n", n)
		return err
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached recognition results",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openConfiguredCache(cmd)
		if err != nil {
			return err
		}

		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
		return err
	},
}

func openConfiguredCache(cmd *cobra.Command) (cache.Store, error) {
	cfg := GetConfig()

	dir := cfg.Cache.Dir
	if cmd.Flags().Changed("cache-dir") {
		dir, _ = cmd.Flags().GetString("cache-dir")
	}

	store, err := cache.Open(dir, cfg.Cache.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}
	return store, nil
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.PersistentFlags().String("cache-dir", "", "result cache directory (empty uses the configured dir)")
}
