package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ptgott/one-mailer/dispatch"
	"github.com/ptgott/one-mailer/email"
	"github.com/ptgott/one-mailer/userconfig"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	// https://github.com/rs/zerolog/blob/7ccd4c940bf8a02fcc5f10e5475f9d3daff04d57/log/log.go#L13
	log.Logger = log.With().Caller().Logger()

	// Intercept interrupts so we can get more visibility into them. The
	// send in progress is cancelled, which still lets the session say QUIT.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func(c chan os.Signal) {
		<-c
		log.Info().Msg("interrupt: cancelling the send")
		cancel()
	}(sigCh)

	configPath := flag.String(
		"config",
		"",
		"path to an optional YAML file containing your configuration",
	)
	envPath := flag.String(
		"env",
		"",
		"path to an optional .env file; the process environment takes precedence over it",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	subject := flag.String(
		"subject",
		"",
		`subject of the email (default "Test <unix time>")`,
	)
	body := flag.String(
		"body",
		"",
		`body of the email (default "Test from <FROM> to <TO> ")`,
	)
	htmlPath := flag.String(
		"html",
		"",
		"path to an optional HTML file sent as an alternative to the body",
	)
	noEmail := flag.Bool(
		"noemail",
		false,
		"print the message to stdout instead of sending it",
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	config, err := userconfig.Load(*configPath, *envPath, os.LookupEnv)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem loading your config")
		os.Exit(1)
	}

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}
	log.Debug().Object("config", checkedConfig).Msg("successfully validated the config")

	c := dispatch.Config{
		Subject:  *subject,
		Body:     *body,
		OutputWr: os.Stdout,
		NoEmail:  *noEmail,
	}
	if c.Subject == "" {
		c.Subject = fmt.Sprintf("Test %d", time.Now().Unix())
	}
	if c.Body == "" {
		c.Body = fmt.Sprintf("Test from %v to %v ", checkedConfig.From, strings.Join(checkedConfig.To, ", "))
	}
	if *htmlPath != "" {
		h, err := os.ReadFile(*htmlPath)
		if err != nil {
			log.Error().
				Err(err).
				Msg("Problem reading the HTML body")
			os.Exit(1)
		}
		c.HTML = string(h)
	}

	if err := dispatch.Run(ctx, &c, &checkedConfig); err != nil {
		log.Error().
			Err(err).
			Str("kind", email.Kind(err)).
			Msg("error sending an email")
		os.Exit(1)
	}
}
