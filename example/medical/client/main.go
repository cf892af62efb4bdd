// Command client talks to the medical chatbot server. Each subcommand issues one kind of request;
// "flow" runs the whole conversation interactively.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
	"github.com/MegaGrindStone/go-mcp-medbot/servers/medical"
)

type globalOptions struct {
	medical.Target

	Timeout time.Duration `long:"timeout" description:"timeout of each request" default:"60s"`
	Verbose bool          `short:"v" long:"verbose" description:"log debug messages"`
}

var opts globalOptions

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"resource", "Read the greeting resource", "Fetch the greeting for a patient name.", &resourceCommand{}},
		{"prompt", "Render the symptom prompt", "Render the assess_symptoms prompt for the given symptoms.", &promptCommand{}},
		{"tool", "Call the chat tool", "Send a query to the chat tool.", &toolCommand{}},
		{"flow", "Run the full conversation", "Ask for a name and symptoms, then print the AI advice.", &flowCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// withSession opens a session, runs fn with it and closes it, whatever fn returns.
func withSession(fn func(ctx context.Context, sess *mcp.Session) error) error {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	sess, err := medical.Connect(ctx, opts.Target, logger, mcp.WithRequestTimeout(opts.Timeout))
	if err != nil {
		return err
	}
	defer sess.Close()

	return fn(context.Background(), sess)
}
