package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventflow/pkg/eventflow/dispatch"
	"github.com/randalmurphal/eventflow/pkg/eventflow/instance"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
)

// inputLine is one recorded message.
type inputLine struct {
	Channel string            `json:"channel"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// report is written for every input line.
type report struct {
	Line     int                `json:"line"`
	Channel  string             `json:"channel"`
	Events   int                `json:"events"`
	Outcomes []dispatch.Outcome `json:"outcomes,omitempty"`
	Errors   []string           `json:"errors,omitempty"`
}

type summary struct {
	Instances []instance.Instance `json:"instances"`
	Async     []dispatch.Outcome  `json:"async_outcomes,omitempty"`
}

func newRunCommand(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Feed recorded messages through the engine",
		Long: "Reads one JSON message per line ({\"channel\": ..., \"body\": ..., \"headers\": ...}),\n" +
			"routes each through the engine, drains async jobs and prints the resulting instances.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(stderr, flags.logLevel)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			a, err := loadApp(cmd.Context(), flags, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context(), in, stdout)
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "JSON lines file of messages, - for stdin")
	return cmd
}

func (a *app) run(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg inputLine
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		rep := report{Line: line, Channel: msg.Channel}
		receipt, err := a.engine.EventReceived(ctx, msg.Channel, pipeline.RawMessage{Body: msg.Body, Headers: msg.Headers})
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
		}
		if receipt != nil {
			rep.Events = len(receipt.Events)
			rep.Outcomes = receipt.Outcomes
			for _, o := range receipt.Outcomes {
				if o.Err != nil {
					rep.Errors = append(rep.Errors, o.Err.Error())
				}
			}
		}
		if err := enc.Encode(rep); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	async, err := a.engine.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain async jobs: %w", err)
	}
	return enc.Encode(summary{Instances: a.runtime.Instances(), Async: async})
}
