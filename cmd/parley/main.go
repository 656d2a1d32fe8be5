// Command parley runs the conversational agent runtime: an HTTP API
// fronting LLM providers, MCP tool servers, and the consent gate.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/version"
)

type cli struct {
	Config    string `short:"c" default:"parley.yaml" help:"Path to the YAML config file."`
	LogLevel  string `help:"Override the configured log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the configured log format (text, json)."`

	Serve    serveCmd    `cmd:"" default:"1" help:"Start the runtime server."`
	Validate validateCmd `cmd:"" help:"Validate the config file and exit."`
	Version  versionCmd  `cmd:"" help:"Print the version and exit."`
}

type validateCmd struct{}

func (v *validateCmd) Run(root *cli) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d providers, %d tool servers)\n",
		root.Config, len(cfg.LLM.Providers), len(cfg.Tools.Servers))
	return nil
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Println(version.Version)
	return nil
}

func main() {
	// A .env beside the binary is a development convenience; absence is fine.
	_ = godotenv.Load()

	var root cli
	ctx := kong.Parse(&root,
		kong.Name("parley"),
		kong.Description("Multi-user conversational agent runtime."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&root))
}
