/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: check.go
Description: Self-check command. Validates engine options, session files and their scripts without
sending requests and verifies that the log directory is usable.
*/

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/spf13/cobra"
)

type selfCheck struct {
	name     string
	function func() error
}

// PerformSelfCheck validates configuration, session files and logging
func PerformSelfCheck(cmd *cobra.Command, args []string) error {
	fmt.Println("🔍 Akaylee HTTP Fuzzer - System Self-Check")
	fmt.Println("=========================================")
	fmt.Println()

	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	checks := []selfCheck{
		{"Engine Options", checkEngineOptions},
		{"Logger Configuration", checkLoggerConfig},
		{"Log Directory", checkLogDirectory},
	}
	for _, path := range args {
		path := path
		checks = append(checks, selfCheck{
			name: "Session " + filepath.Base(path),
			function: func() error {
				entries, err := loadSessions([]string{path}, EngineOptions())
				if err != nil {
					return err
				}
				return script.Check(script.Environment(), entries[0].spec.Script)
			},
		})
	}

	passed := 0
	total := len(checks)

	for _, check := range checks {
		fmt.Printf("🔍 %s... ", check.name)
		if err := check.function(); err != nil {
			fmt.Printf("❌ FAILED: %v\n", err)
		} else {
			fmt.Println("✅ PASSED")
			passed++
		}
	}

	fmt.Println()
	fmt.Printf("📊 Results: %d/%d checks passed\n", passed, total)

	if passed != total {
		fmt.Println("⚠️  Some checks failed. Please address the issues before fuzzing.")
		return fmt.Errorf("%d/%d checks failed", total-passed, total)
	}
	fmt.Println("✨ All checks passed! Sessions are ready to run.")
	return nil
}

func checkEngineOptions() error {
	return EngineOptions().Validate()
}

func checkLoggerConfig() error {
	return LoggerConfig().Validate()
}

// checkLogDirectory verifies the log directory is writable and prints its retention stats
func checkLogDirectory() error {
	cfg := LoggerConfig()
	if cfg.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("cannot create log directory: %w", err)
	}
	tmp, err := os.CreateTemp(cfg.OutputDir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("log directory not writable: %w", err)
	}
	tmp.Close()
	os.Remove(tmp.Name())

	stats, err := logging.NewLogManager(cfg.OutputDir, cfg.MaxFiles, cfg.MaxSize, cfg.Compress).GetLogStats()
	if err != nil {
		return err
	}
	fmt.Printf("(%d files, %d bytes, %d compressed) ", stats.TotalFiles, stats.TotalSize, stats.CompressedFiles)
	return nil
}
