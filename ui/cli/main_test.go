package cli

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	want := map[string]bool{
		"project":     false,
		"slides":      false,
		"extract":     false,
		"train":       false,
		"evaluate":    false,
		"heatmap":     false,
		"mosaic":      false,
		"buffer":      false,
		"trust-host":  false,
		"backup":      false,
		"restore":     false,
		"db-maintain": false,
		"serve":       false,
		"version":     false,
	}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestSlidesCmd_RegistersSubcommands(t *testing.T) {
	want := map[string]bool{
		"scan":   false,
		"list":   false,
		"toggle": false,
		"rm":     false,
		"info":   false,
	}
	for _, sub := range slidesCmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("slides subcommand %q not registered", name)
		}
	}
}

func TestNewRootCmd_Idempotent(t *testing.T) {
	// Creating the root twice must not panic on duplicate flag definitions.
	_ = NewRootCmd()
	_ = NewRootCmd()
}

func TestGetConfigPathFromCli(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")

	// Flag not set: no path, no error.
	path, err := getConfigPathFromCli(cmd)
	if err != nil || path != nil {
		t.Fatalf("unset flag should yield nil, got %v / %v", path, err)
	}

	// Set to a non-existent file: error.
	if err := cmd.Flags().Set("config", "/nonexistent/pathscope.yaml"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if _, err := getConfigPathFromCli(cmd); err == nil {
		t.Fatalf("missing config file should error")
	}
}

func TestResolveBuildVersion(t *testing.T) {
	v, c, _ := resolveBuildVersion()
	if v == "" || c == "" {
		t.Fatalf("version and commit must never be empty: %q %q", v, c)
	}
}
