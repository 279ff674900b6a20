// configgen writes or validates peerctl config files.
package main

import (
	"github.com/danmuck/edgepeer/internal/config"
	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/peerctl/config.toml"

func main() {
	logging.ConfigureRuntime()

	kind := pflag.String("kind", "peer", "template kind: peer|minimal")
	output := pflag.String("output", "", "output path for config template (default "+defaultPath+")")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (default "+defaultPath+")")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		settings, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("invalid config")
		}
		log.Info().
			Str("path", path).
			Str("bind", settings.Node.BindAddr).
			Int("peers", len(settings.Node.Peers)).
			Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
