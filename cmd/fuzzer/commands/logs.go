/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logs.go
Description: Log maintenance command. Rotates and prunes log files and summarizes the fuzzer
events recorded in them.
*/

package commands

import (
	"fmt"

	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ManageLogs rotates, cleans up and analyzes the configured log directory
func ManageLogs(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := LoggerConfig()
	if cfg.OutputDir == "" {
		return fmt.Errorf("no log directory configured")
	}

	manager := logging.NewLogManager(cfg.OutputDir, cfg.MaxFiles, cfg.MaxSize, cfg.Compress)
	if viper.GetBool("logs.rotate") {
		if err := manager.RotateLogs(); err != nil {
			return err
		}
		if err := manager.CleanupOldLogs(); err != nil {
			return err
		}
		fmt.Println("✅ Log files rotated and cleaned up")
	}

	stats, err := manager.GetLogStats()
	if err != nil {
		return err
	}
	fmt.Printf("📁 %s: %d files (%d compressed), %d bytes\n",
		cfg.OutputDir, stats.TotalFiles, stats.CompressedFiles, stats.TotalSize)

	if viper.GetBool("logs.analyze") {
		analysis, err := logging.NewLogAnalyzer(cfg.OutputDir).AnalyzeLogs()
		if err != nil {
			return err
		}
		fmt.Println(analysis.GetLogSummary())
	}
	return nil
}
