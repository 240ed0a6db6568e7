package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"followsync/pkg/cache"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the account cache",
	Long: `The account cache maps handles to record ids so repeated runs skip store
lookups. Entries expire after cache.ttl.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache backend and entry count",
	RunE:  runCacheStats,
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every cached entry",
	RunE:  runCachePurge,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	c, err := cache.Open(cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("open account cache: %w", err)
	}
	defer c.Close()

	p := newPrinter(cfg)
	p.Info("Backend", cfg.Cache.Backend)
	p.Info("Path", cfg.Cache.Path)
	p.Info("TTL", cfg.Cache.TTL.String())
	p.Info("Entries", fmt.Sprint(c.Len()))
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	c, err := cache.Open(cfg.Cache, log)
	if err != nil {
		return fmt.Errorf("open account cache: %w", err)
	}

	n := c.Len()
	if err := c.Purge(); err != nil {
		c.Close()
		return fmt.Errorf("purge account cache: %w", err)
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("close account cache: %w", err)
	}

	newPrinter(cfg).Success(fmt.Sprintf("Purged %d cached accounts", n))
	return nil
}
