package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"formkeep/internal/app"
	"formkeep/internal/fk"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassphrase prompts on the terminal without echo. When stdin is not a
// terminal the first line of stdin is used, so scripts can pipe it in.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readNewPassphrase asks for a passphrase twice when on a terminal.
func readNewPassphrase() (string, error) {
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

// emitArtifact saves an export to disk or, with --stdout, writes it to
// standard output. Binary exports are never written to a terminal.
func emitArtifact(cmd *cobra.Command, a *app.App, artifact *fk.Artifact) error {
	toStdout, _ := cmd.Flags().GetBool("stdout")
	if toStdout {
		binary := !strings.HasPrefix(artifact.ContentType, "text/")
		if binary && term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("refusing to write %s to a terminal; redirect the output or drop --stdout", artifact.Name)
		}
		_, err := os.Stdout.Write(artifact.Data)
		return err
	}

	dir, _ := cmd.Flags().GetString("out")
	path, err := a.SaveArtifact(artifact, dir)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d item(s))\n", path, artifact.Items)
	for _, s := range artifact.Skipped {
		fmt.Fprintf(os.Stderr, "  skipped %s: %v\n", s.Reference, s.Err)
	}
	return nil
}
