package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"run", "status"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestDefaultAPIKeyEnv(t *testing.T) {
	cases := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"unknown":   "",
	}
	for provider, want := range cases {
		if got := defaultAPIKeyEnv(provider); got != want {
			t.Fatalf("defaultAPIKeyEnv(%q) = %q, want %q", provider, got, want)
		}
	}
}
