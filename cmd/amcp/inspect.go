package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amcp-io/amcp/internal/agent"
	"github.com/amcp-io/amcp/internal/config"
	"github.com/amcp-io/amcp/internal/skills"
	"github.com/amcp-io/amcp/internal/tools/builtin"
)

// buildToolsCmd lists the built-in tools without starting a server.
func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List built-in tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := agent.NewRegistry()
			if err := builtin.Register(registry, builtin.Options{
				EnableWrite: true,
				EnableEdit:  true,
			}); err != nil {
				return err
			}
			for _, name := range registry.Names() {
				tool, _ := registry.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, tool.Description())
			}
			return nil
		},
	}
}

// buildAgentsCmd lists agent specs: builtins plus any discovered spec files.
func buildAgentsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agent specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			workDir, _ := os.Getwd()

			specs := agent.NewSpecRegistry(cfg.LLM.DefaultModel, "")
			for _, dir := range specDirs(cfg, workDir) {
				if err := specs.LoadDir(dir); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", dir, err)
				}
			}

			for _, spec := range specs.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s mode=%-8s max_steps=%-4d %s\n",
					spec.Name, spec.Mode, spec.MaxSteps, spec.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// buildSkillsCmd lists discovered skills and where they came from.
func buildSkillsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List discovered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			workDir, _ := os.Getwd()

			manager := skills.NewManager(skills.Options{
				UserDir:     filepath.Join(config.UserConfigDir(), "skills"),
				ProjectRoot: workDir,
				Disabled:    cfg.Skills.Disabled,
			})
			if err := manager.Discover(); err != nil {
				return err
			}

			snapshots := manager.Snapshots()
			if len(snapshots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No skills found.")
				return nil
			}
			for _, snap := range snapshots {
				state := "inactive"
				if snap.Active {
					state = "active"
				}
				if snap.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-9s %s\n", snap.Name, state, snap.Location)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
