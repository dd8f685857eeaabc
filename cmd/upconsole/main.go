// Command upconsole is the interactive serial console and staged
// firmware loader: it opens a transport, walks an ordered list of boot
// stages built from the command line, and becomes an interactive
// terminal once they're exhausted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"upconsole/console"
	"upconsole/lineend"
	"upconsole/protocol"
	"upconsole/serial"
	"upconsole/stage"
	"upconsole/ttyctl"
	"upconsole/upcerr"
)

const maxScriptDepth = 10

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "upconsole",
		Short:         "Interactive serial console and staged firmware loader",
		SilenceUsage:  true,
		SilenceErrors: true,
		// The stage-building options bind to "whichever stage was most
		// recently opened by --grouch", an ordering relationship plain
		// pflag parsing can't express, so args are walked by hand.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	return cmd
}

// rawStage accumulates one boot stage's worth of options as they're
// seen on the command line, before any files are opened.
type rawStage struct {
	fileName string
	proto    string
	baud     int
	flow     string
	deferred bool
	echo     bool
}

func run(args []string) error {
	tokens, err := expandScripts(args, 0)
	if err != nil {
		return err
	}

	opts := struct {
		serialPath string
		logPath    string
		lineEnd    string
	}{
		serialPath: "/dev/ttyUSB0",
		lineEnd:    "none",
	}

	var stages []*rawStage
	cur := &rawStage{proto: "grouch", echo: true}
	finalBaud := 115200
	haveFinalBaud := false

	next := func(i *int, name string) (string, error) {
		*i++
		if *i >= len(tokens) {
			return "", upcerr.New(upcerr.Config, fmt.Sprintf("%s requires an argument", name))
		}
		return tokens[*i], nil
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "--serial":
			v, err := next(&i, "--serial")
			if err != nil {
				return err
			}
			opts.serialPath = v
		case tok == "--log":
			v, err := next(&i, "--log")
			if err != nil {
				return err
			}
			opts.logPath = v
		case tok == "--lineend":
			v, err := next(&i, "--lineend")
			if err != nil {
				return err
			}
			opts.lineEnd = v
		case tok == "--grouch":
			v, err := next(&i, "--grouch")
			if err != nil {
				return err
			}
			if cur.fileName != "" {
				stages = append(stages, cur)
				cur = &rawStage{proto: "grouch", echo: true}
			}
			cur.fileName = v
		case tok == "--protocol":
			v, err := next(&i, "--protocol")
			if err != nil {
				return err
			}
			cur.proto = v
		case tok == "--baud":
			v, err := next(&i, "--baud")
			if err != nil {
				return err
			}
			baud, err := parseBaud(v)
			if err != nil {
				return err
			}
			cur.baud = baud
		case tok == "--fc":
			v, err := next(&i, "--fc")
			if err != nil {
				return err
			}
			cur.flow = v
		case tok == "--defer":
			cur.deferred = true
		case tok == "--help" || tok == "-h" || tok == "-?":
			printUsage()
			return nil
		case len(tok) > 0 && tok[0] == '-':
			return upcerr.New(upcerr.Config, fmt.Sprintf("syntax error: invalid option %q", tok))
		default:
			if haveFinalBaud {
				return upcerr.New(upcerr.Config, "extra arguments on command line")
			}
			baud, err := parseBaud(tok)
			if err != nil {
				return err
			}
			finalBaud = baud
			haveFinalBaud = true
		}
	}
	if cur.fileName != "" {
		stages = append(stages, cur)
	}

	mode, ok := lineend.Parse(opts.lineEnd)
	if !ok {
		return upcerr.New(upcerr.Config, fmt.Sprintf("unknown lineend %q", opts.lineEnd))
	}

	log := logrus.New()
	entry := logrus.NewEntry(log)

	port, err := serial.Open(opts.serialPath, serial.NewOptions())
	if err != nil {
		return upcerr.Wrap(upcerr.Resource, fmt.Sprintf("cannot open serial port %s", opts.serialPath), err)
	}
	defer port.Dispose()

	var logWriter *os.File
	if opts.logPath != "" {
		logWriter, err = os.OpenFile(opts.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return upcerr.Wrap(upcerr.Resource, fmt.Sprintf("cannot open log file %s", opts.logPath), err)
		}
		defer logWriter.Close()
	}

	builtStages, err := buildStages(stages, port, entry)
	if err != nil {
		return err
	}
	builtStages = append(builtStages, &stage.Stage{
		Protocol: &protocol.Adapter{Kind: protocol.Grouchy, Port: port, Echo: os.Stdout, Log: entry},
		Baud:     finalBaud,
	})

	seq := stage.NewSequencer(builtStages)

	ttyState, err := ttyctl.EnterRaw(int(os.Stdin.Fd()))
	if err != nil {
		return upcerr.Wrap(upcerr.Resource, "cannot set up terminal", err)
	}
	defer ttyState.Restore()

	var logIO io.Writer
	if logWriter != nil {
		logIO = logWriter
	}

	con := console.New(port, int(os.Stdin.Fd()), os.Stdout, logIO, entry, seq, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		cancel()
	}()

	fmt.Fprintf(os.Stdout, "upconsole: starting console at %d baud with %d stages\n", finalBaud, len(stages))
	return con.Run(ctx)
}

// buildStages opens each upload file and wires it to an Adapter for its
// chosen protocol.
func buildStages(raws []*rawStage, port *serial.Port, log *logrus.Entry) ([]*stage.Stage, error) {
	out := make([]*stage.Stage, 0, len(raws))
	for _, r := range raws {
		f, err := os.Open(r.fileName)
		if err != nil {
			return nil, upcerr.Wrap(upcerr.File, fmt.Sprintf("cannot open %s", r.fileName), err)
		}

		kind, err := protocol.ParseKind(r.proto)
		if err != nil {
			return nil, err
		}
		flow, err := serial.ParseFlowControl(r.flow)
		if err != nil {
			return nil, err
		}

		out = append(out, &stage.Stage{
			FileName: r.fileName,
			Reader:   f,
			Protocol: &protocol.Adapter{Kind: kind, Port: port, Echo: os.Stdout, Log: log},
			Baud:     r.baud,
			Flow:     flow,
			Deferred: r.deferred,
			Echo:     r.echo,
		})
	}
	return out, nil
}

// parseBaud accepts a bare integer, or one suffixed with 'k' (×1000) or
// 'm' (×1000000).
func parseBaud(s string) (int, error) {
	if s == "" {
		return 0, upcerr.New(upcerr.Config, "empty baud rate")
	}
	mult := 1
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1000
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1000000
		s = s[:len(s)-1]
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, upcerr.Wrap(upcerr.Config, "invalid baud rate", err)
	}
	return n * mult, nil
}

// expandScripts splices --script FILE's whitespace-separated tokens into
// the argument stream in place, recursively, up to maxScriptDepth.
func expandScripts(args []string, depth int) ([]string, error) {
	if depth > maxScriptDepth {
		return nil, upcerr.New(upcerr.Config, fmt.Sprintf("--script nesting too deep (max %d)", maxScriptDepth))
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] != "--script" {
			out = append(out, args[i])
			continue
		}
		if i+1 >= len(args) {
			return nil, upcerr.New(upcerr.Config, "--script requires an argument")
		}
		path := args[i+1]
		i++
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, upcerr.Wrap(upcerr.File, fmt.Sprintf("cannot read script %s", path), err)
		}
		inner, err := expandScripts(fieldsOf(string(content)), depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

func fieldsOf(s string) []string {
	var fields []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			fields = append(fields, string(cur))
			cur = nil
		}
	}
	for _, b := range []byte(s) {
		switch b {
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			cur = append(cur, b)
		}
	}
	flush()
	return fields
}

func printUsage() {
	fmt.Println(`Syntax: upconsole [--serial /dev/ttyUSBX] [--log file] [--lineend name]
                   [--grouch filename [--protocol name] [--baud rate]
                    [--fc mode] [--defer]]... [--script file] [baud]

--serial <device>      Use the given serial device (default /dev/ttyUSB0).
--grouch <filename>    Start a new boot stage uploading this file.
--protocol <name>      grouch, xmodem, xmodem128, kinetis, or kinetis-s.
--baud <rate>          Baud rate for the current stage; suffix k or m.
--fc <mode>            none, or a name containing rts/cts.
--defer                Enter console mode on reaching this stage instead
                       of uploading immediately.
--lineend <name>       Initial line-end translation.
--log <file>           Append all incoming serial bytes to this file.
--script <file>        Expand this file's whitespace-separated tokens
                       into the argument list in place.

You may specify multiple --grouch arguments; each introduces a new
upload. The final bare argument, if present, is the baud rate the
console switches to once every stage has run.`)
}
