// Command bureaucratctl is the launcher CLI companion to bureaucratd: it
// publishes process definitions to the launch queue and external events
// to the event queue of a daemon sharing the same spool directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rojkov/bureaucrat/internal/bclog"
	"github.com/rojkov/bureaucrat/internal/channel"
	"github.com/rojkov/bureaucrat/internal/config"
	"github.com/rojkov/bureaucrat/internal/xmlsurface"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bureaucratctl <command> [args]

commands:
  launch <definition.xml>      publish a process definition to the launch queue
  trigger <event> [json]       publish an external event, with optional JSON payload
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	cfg := config.Load()
	bclog.Setup(cfg.LogLevel)

	broker, err := channel.NewSpoolBroker(cfg.SpoolDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open spool directory")
	}
	queues := channel.Queues{Control: cfg.MessageQueue, Event: cfg.EventQueue}.WithDefaults()

	switch args[0] {
	case "launch":
		if len(args) != 2 {
			usage()
		}
		launch(broker, queues, args[1])
	case "trigger":
		if len(args) != 2 && len(args) != 3 {
			usage()
		}
		payload := "{}"
		if len(args) == 3 {
			payload = args[2]
		}
		trigger(broker, queues, args[1], payload)
	default:
		usage()
	}
}

// launch validates the definition locally before publishing so an
// engineer gets the parse error on their terminal instead of in the
// daemon log.
func launch(broker channel.Broker, queues channel.Queues, path string) {
	def, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to read definition")
	}
	if _, err := xmlsurface.ParseDefinition(string(def)); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("definition does not parse")
	}
	if err := broker.Publish(queues.Launch, def); err != nil {
		log.Fatal().Err(err).Msg("failed to publish definition")
	}
	log.Info().Str("path", path).Msg("definition published")
}

func trigger(broker channel.Broker, queues channel.Queues, event, payload string) {
	var body map[string]any
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		log.Fatal().Err(err).Msg("payload is not a JSON object")
	}
	body["event"] = event
	raw, err := json.Marshal(body)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode event")
	}
	if err := broker.Publish(queues.Event, raw); err != nil {
		log.Fatal().Err(err).Msg("failed to publish event")
	}
	log.Info().Str("event", event).Msg("event published")
}
