// Command usbipd runs the USB/IP virtual-device server, or drives the
// local-attach client standalone against an already-running server.
package main

import (
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
	"golang.org/x/term"

	"usbipd/internal/configpaths"
	applog "usbipd/internal/log"
)

// CLI is the top-level kong command tree.
type CLI struct {
	Log struct {
		Level   string `help:"trace|debug|info|warn|error" default:"info" env:"USBIPD_LOG_LEVEL"`
		File    string `help:"write logs to this file instead of stdout/stderr" env:"USBIPD_LOG_FILE"`
		RawFile string `help:"write a hex dump of every wire packet to this file" env:"USBIPD_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`
	Config string `help:"config file path (json/yaml/toml); searched before the default locations for its format" type:"path"`

	Serve  ServeCmd  `cmd:"" help:"Run a device profile's Instance"`
	Attach AttachCmd `cmd:"" help:"Locally attach a bus-ID exposed by a running server"`
}

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("usbipd"),
		kong.Description("Virtual USB/IP device server"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := applog.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to set up logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	rawLogger := setupRawLogger(cli.Log.Level, cli.Log.RawFile)

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*applog.RawLogger)(nil))

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}

// setupRawLogger wires USBIPD_LOG_RAW_FILE when set; otherwise it only
// streams the wire trace to stdout when both trace logging is on and stdout
// is an interactive terminal, so piping/redirecting output doesn't get
// flooded with hex dumps.
func setupRawLogger(level, rawFile string) applog.RawLogger {
	if rawFile != "" {
		f, err := os.OpenFile(rawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return applog.NewRaw(nil)
		}
		return applog.NewRaw(f)
	}
	if level == "trace" && term.IsTerminal(int(os.Stdout.Fd())) {
		return applog.NewRaw(os.Stdout)
	}
	return applog.NewRaw(nil)
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("USBIPD_CONFIG"); v != "" {
		return v
	}
	return ""
}
