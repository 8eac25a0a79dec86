// Command gateway runs the agent gateway: an HTTP control plane that
// validates, polices, meters, and audits LLM agent tool calls.
//
// Usage:
//
//	gateway serve --config gateway.yaml
//	gateway validate --config gateway.yaml
//	gateway setup
//	gateway approvals --url http://127.0.0.1:8130
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve     ServeCmd     `cmd:"" help:"Start the gateway."`
	Validate  ValidateCmd  `cmd:"" help:"Validate the configuration and exit."`
	Schema    SchemaCmd    `cmd:"" help:"Emit the config JSON Schema."`
	Setup     SetupCmd     `cmd:"" help:"Create the first admin account."`
	Approvals ApprovalsCmd `cmd:"" help:"Review pending approvals over the admin API."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`

	Config          string   `short:"c" help:"Config path (file path, or key path for remote sources)." type:"path"`
	ConfigSource    string   `name:"config-source" help:"Config source: file, consul, etcd, zookeeper." default:"file"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints for remote config sources."`
	LogLevel        string   `help:"Log level (debug, info, warn, error)."`
	LogFile         string   `help:"Log file path (empty = stderr)."`
	LogFormat       string   `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("gateway version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

func main() {
	// A .env next to the binary is a convenience for local runs; real
	// environment variables win.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gateway"),
		kong.Description("Agent gateway: schema validation, capability checks, approvals, and audit for agent tool calls."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	if cleanup != nil {
		defer cleanup()
	}

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
