package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgessh/internal/config"
	"github.com/danmuck/edgessh/internal/observability"
)

const defaultPath = "edgessh.toml"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	observability.InitLogger("configgen")

	parser := argparse.NewParser("configgen", "Write or validate edgessh connection profiles")
	kinds := config.AuthKinds()
	kind := parser.Selector("k", "kind", kinds, &argparse.Options{Default: "password", Help: "Authentication the profile sets up: " + strings.Join(kinds, "|")})
	output := parser.String("o", "output", &argparse.Options{Default: defaultPath, Help: "Output path for the template"})
	validate := parser.Flag("V", "validate", &argparse.Options{Help: "Validate an existing profile instead of writing one"})
	input := parser.String("i", "input", &argparse.Options{Default: defaultPath, Help: "Profile to validate"})
	force := parser.Flag("f", "force", &argparse.Options{Help: "Overwrite an existing file"})
	if err := parser.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		return 2
	}

	if *validate {
		profile, err := config.LoadProfile(*input)
		if err != nil {
			log.Error().Err(err).Str("path", *input).Msg("invalid profile")
			return 1
		}
		log.Info().Str("path", *input).Str("address", profile.Address()).Str("user", profile.User).Msg("validated profile")
		return 0
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Error().Err(err).Str("path", *output).Msg("write template failed")
		return 1
	}
	log.Info().Str("kind", *kind).Str("path", *output).Msg("wrote profile template")
	return 0
}
