package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/history"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agent CLI:")
	binary := cfg.Claude.Binary
	if binary == "" {
		binary = "claude"
	}
	if path, lookErr := exec.LookPath(binary); lookErr != nil {
		fmt.Printf("    %-12s %s (NOT FOUND in PATH)\n", "Binary:", binary)
	} else {
		fmt.Printf("    %-12s %s\n", "Binary:", path)
	}

	configDir := cfg.Claude.ConfigDir
	fmt.Printf("    %-12s %s", "Config dir:", configDir)
	if info, statErr := os.Stat(configDir); statErr != nil || !info.IsDir() {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	historyPath := filepath.Join(configDir, "history.jsonl")
	fmt.Printf("    %-12s %s", "History:", historyPath)
	if _, statErr := os.Stat(historyPath); statErr != nil {
		fmt.Println(" (missing; created on first session)")
	} else if warn := history.NewResolver(configDir).CheckFormatHealth(); warn != "" {
		fmt.Printf(" (WARNING: %s)\n", warn)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Directories:")
	if len(cfg.Claude.ApprovedDirectories) == 0 {
		fmt.Println("    (none approved)")
	}
	for _, dir := range cfg.Claude.ApprovedDirectories {
		fmt.Printf("    %s", dir)
		if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s", "Path:", cfg.Store.Path)
	if db, openErr := store.Open(cfg.Store.Path); openErr != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", openErr)
	} else {
		db.Close()
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Telegram:")
	checkSecret("Token", cfg.Telegram.Token)
	fmt.Printf("    %-12s %d user(s)\n", "Allowlist:", len(cfg.Telegram.AllowedUsers))

	if cfg.Webhook.Enabled {
		fmt.Println()
		fmt.Println("  Webhook:")
		fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Webhook.Host, cfg.Webhook.Port)
		checkSecret("Token", cfg.Webhook.Token)
	}
}

func checkSecret(label, value string) {
	if value == "" {
		fmt.Printf("    %-12s NOT SET\n", label+":")
	} else {
		fmt.Printf("    %-12s set (%d chars)\n", label+":", len(value))
	}
}
