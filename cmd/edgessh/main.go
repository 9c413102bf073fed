package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgessh/internal/client"
	"github.com/danmuck/edgessh/internal/config"
	"github.com/danmuck/edgessh/internal/observability"
)

// command is one subcommand. run returns the process exit code.
type command struct {
	name string
	cmd  *argparse.Command
	run  func(c *client.Client) (int, error)
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	logger := observability.InitLogger("edgessh")

	// Usage: edgessh <command> -p <profile> [flags]. The command name must
	// come first; the global flags are accepted anywhere after it.
	parser := argparse.NewParser("edgessh", "SSH-2 client with exec, shell, sftp and scp")
	profilePath := parser.String("p", "profile", &argparse.Options{Help: "Connection profile (TOML)"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	metricsAddr := parser.String("m", "metrics-addr", &argparse.Options{Help: "Serve Prometheus metrics on this address"})

	commands := []command{
		execCommand(parser),
		shellCommand(parser),
		lsCommand(parser),
		statCommand(parser),
		getCommand(parser),
		putCommand(parser),
		rmCommand(parser),
		mkdirCommand(parser),
		rmdirCommand(parser),
		mvCommand(parser),
		chmodCommand(parser),
		scpGetCommand(parser),
		scpPutCommand(parser),
	}
	algorithmsCmd := parser.NewCommand("algorithms", "List supported algorithms")

	if err := parser.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		return 2
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if algorithmsCmd.Happened() {
		printAlgorithms(os.Stdout)
		return 0
	}
	if *metricsAddr != "" {
		stop := serveMetrics(*metricsAddr, logger)
		defer stop()
	}

	if *profilePath == "" {
		fmt.Fprint(os.Stderr, parser.Usage(errors.New("--profile is required")))
		return 2
	}
	profile, err := config.LoadProfile(*profilePath)
	if err != nil {
		log.Error().Err(err).Str("path", *profilePath).Msg("failed to load profile")
		return 1
	}

	var selected *command
	for i := range commands {
		if commands[i].cmd.Happened() {
			selected = &commands[i]
			break
		}
	}
	if selected == nil {
		fmt.Fprint(os.Stderr, parser.Usage(errors.New("no command given")))
		return 2
	}

	c, err := client.Dial(context.Background(), profile, client.WithPasswordPrompt(promptPassword))
	if err != nil {
		log.Error().Err(err).Str("host", profile.Address()).Msg("connect failed")
		return 1
	}
	defer c.Close()
	if banner := c.Banner(); banner != "" {
		fmt.Fprint(os.Stderr, banner)
	}

	code, err := selected.run(c)
	if err != nil {
		log.Error().Err(err).Str("command", selected.name).Msg("command failed")
		if code == 0 {
			code = 1
		}
	}
	return code
}
