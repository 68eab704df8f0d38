// Command setup writes a .env file with the bot token and target channel so
// the relay can be started without exporting variables by hand.
//
// It never overwrites an existing file.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"
)

var errCancelled = errors.New("setup cancelled")

func main() {
	path := flag.String("env", ".env", "path of the file to write")
	flag.Parse()

	fd := int(os.Stdin.Fd())
	readSecret := func(r *bufio.Reader) (string, error) {
		if !term.IsTerminal(fd) {
			return readLine(r)
		}
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return string(b), err
	}

	if err := run(os.Stdin, os.Stdout, *path, readSecret); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if !errors.Is(err, errCancelled) {
			fmt.Fprintln(os.Stderr, "Please create it manually with: DISCORD_TOKEN=your_token_here")
		}
		os.Exit(1)
	}
}

// run prompts for the settings and writes them to path.
func run(in io.Reader, out io.Writer, path string, readSecret func(*bufio.Reader) (string, error)) error {
	fmt.Fprintln(out, "Discord voice relay setup")
	fmt.Fprintln(out, strings.Repeat("=", 40))

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists; leaving it untouched.\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	r := bufio.NewReader(in)
	fmt.Fprintln(out, "\nEnter your Discord bot token.")
	fmt.Fprintln(out, "(You can get this from https://discord.com/developers/applications)")
	fmt.Fprint(out, "\nDiscord Bot Token: ")
	token, err := readSecret(r)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: no token provided", errCancelled)
	}

	fmt.Fprint(out, "Guild (server) ID: ")
	guild, err := readLine(r)
	if err != nil {
		return err
	}
	fmt.Fprint(out, "Voice channel ID: ")
	channel, err := readLine(r)
	if err != nil {
		return err
	}

	env := buildEnv(token, guild, channel)
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restrict %s: %w", path, err)
	}

	fmt.Fprintf(out, "%s created.\n", path)
	if _, ok := env["GUILD_ID"]; !ok {
		fmt.Fprintln(out, "Add GUILD_ID and VOICE_CHANNEL_ID before starting the relay.")
	}
	return nil
}

// buildEnv returns the variables to write; empty optional values are left out.
func buildEnv(token, guild, channel string) map[string]string {
	env := map[string]string{"DISCORD_TOKEN": strings.TrimSpace(token)}
	if g := strings.TrimSpace(guild); g != "" {
		env["GUILD_ID"] = g
	}
	if c := strings.TrimSpace(channel); c != "" {
		env["VOICE_CHANNEL_ID"] = c
	}
	return env
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
