// Command srmilter is the daemon's offline companion: it runs the
// classifier against a single .eml file, or dumps a file's parsed
// structure, without opening a milter socket.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mpimg/srmilter"
	"github.com/mpimg/srmilter/envelope"
	"github.com/mpimg/srmilter/msgview"
	"github.com/mpimg/srmilter/verdict"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "test":
		err = runTest(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: srmilter test <FILE> [SENDER] [RECIPIENT...]")
	fmt.Fprintln(os.Stderr, "       srmilter dump <FILE> [-H] [-b] [--html]")
}

func loadEnvelope(path, id, sender string, recipients []string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("srmilter: %w", err)
	}
	env := envelope.New(srmilter.TruncateUnlimited)
	env.MessageBytes = data
	env.Macros = envelope.Macros{"i": id}
	env.SetSender(sender)
	for _, r := range recipients {
		env.AddRecipient(r)
	}
	return env, nil
}

// runTest reads FILE, builds an envelope with queue id "test", and
// invokes the classifier exactly once, printing the resulting verdict.
func runTest(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("srmilter: test requires a FILE argument")
	}
	file := args[0]
	var sender string
	var recipients []string
	if len(args) > 1 {
		sender = args[1]
	}
	if len(args) > 2 {
		recipients = args[2:]
	}

	env, err := loadEnvelope(file, "test", sender, recipients)
	if err != nil {
		return err
	}
	v, parseErr := msgview.New(env)
	if parseErr != nil {
		fmt.Printf("ACCEPT (because of failure to parse message): %v\n", parseErr)
		return nil
	}

	verd := classifyOffline(v)
	fmt.Println(verd.String())
	return nil
}

// classifyOffline is the one place a real deployment would wire in the
// same classifier the daemon uses; with none configured it logs and
// accepts, matching the daemon's fail-open default.
func classifyOffline(v *msgview.View) verdict.Verdict {
	return v.LogAccept("no classifier configured")
}

// runDump parses FILE and prints its structure: by default just the
// From/To/Subject summary, -H for every header, -b for the body text,
// --html to render an HTML-only body through the plain-text degrade.
func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	showHeaders := fs.Bool("H", false, "print every header field")
	showBody := fs.Bool("b", false, "print the body text")
	asHTML := fs.Bool("html", false, "render an HTML body through the plain-text degrade")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("srmilter: dump requires a FILE argument")
	}
	file := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return err
	}

	env, err := loadEnvelope(file, "dump", "", nil)
	if err != nil {
		return err
	}
	v, parseErr := msgview.New(env)

	fmt.Printf("From: %s <%s>\n", v.FromName(), v.FromAddress())
	fmt.Printf("To: %s\n", v.ToAddress())
	fmt.Printf("Subject: %s\n", v.Subject())
	if parseErr != nil {
		fmt.Printf("(parse error: %v)\n", parseErr)
	}

	if *showHeaders {
		fmt.Println("--- headers ---")
		for _, h := range v.AllHeaders() {
			fmt.Printf("%s: %s\n", h[0], h[1])
		}
	}
	if *showBody || *asHTML {
		fmt.Println("--- body ---")
		if *asHTML {
			fmt.Println(v.HTMLText())
		} else {
			fmt.Println(v.Text())
		}
	}
	return nil
}
