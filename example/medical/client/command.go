package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
	"github.com/MegaGrindStone/go-mcp-medbot/servers/medical"
)

type resourceCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" description:"patient name"`
	} `positional-args:"yes" required:"yes"`
}

type promptCommand struct {
	Args struct {
		Symptoms []string `positional-arg-name:"symptoms" description:"symptom description"`
	} `positional-args:"yes" required:"yes"`
}

type toolCommand struct {
	Args struct {
		Query []string `positional-arg-name:"query" description:"message for the chatbot"`
	} `positional-args:"yes" required:"yes"`
}

type flowCommand struct{}

func (c *resourceCommand) Execute([]string) error {
	return withSession(func(ctx context.Context, sess *mcp.Session) error {
		greeting, err := medical.NewAssistant(sess).Greet(ctx, c.Args.Name)
		if err != nil {
			return err
		}
		fmt.Println(greeting)
		return nil
	})
}

func (c *promptCommand) Execute([]string) error {
	return withSession(func(ctx context.Context, sess *mcp.Session) error {
		prompt, err := medical.NewAssistant(sess).DiagnosisPrompt(ctx, strings.Join(c.Args.Symptoms, " "))
		if err != nil {
			return err
		}
		fmt.Println(prompt)
		return nil
	})
}

func (c *toolCommand) Execute([]string) error {
	return withSession(func(ctx context.Context, sess *mcp.Session) error {
		reply, err := medical.NewAssistant(sess).Chat(ctx, strings.Join(c.Args.Query, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	})
}

func (c *flowCommand) Execute([]string) error {
	return withSession(func(ctx context.Context, sess *mcp.Session) error {
		return runFlow(ctx, medical.NewAssistant(sess), os.Stdin, os.Stdout)
	})
}

// runFlow asks for the patient's name and symptoms on in, and writes the conversation to out.
func runFlow(ctx context.Context, assistant medical.Assistant, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	ask := func(question string) (string, error) {
		fmt.Fprint(out, question)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}

	name, err := ask("Please enter your name: ")
	if err != nil {
		return err
	}
	greeting, err := assistant.Greet(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nServer: %s\n", greeting)

	symptoms, err := ask("Please describe your symptoms: ")
	if err != nil {
		return err
	}

	prompt, err := assistant.DiagnosisPrompt(ctx, symptoms)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nGenerated prompt (to be sent to AI):")
	fmt.Fprintln(out, "---------------------------------------")
	fmt.Fprintln(out, prompt)
	fmt.Fprintln(out, "---------------------------------------")

	fmt.Fprintln(out, "\nSending symptoms to the AI for analysis...")
	advice, err := assistant.Chat(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nAI Diagnosis/Advice:")
	fmt.Fprintln(out, "---------------------")
	fmt.Fprintln(out, advice)

	return nil
}
