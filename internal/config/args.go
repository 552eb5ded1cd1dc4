package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultArguments selects the camera hardware fitted to the standard robot
// build. It is parsed before anything from the environment or command line, so
// either can override it.
const DefaultArguments = "-ptz-type vcc50i -video-type pxc"

// EnvArguments names the environment variable whose value is parsed as extra
// default arguments.
const EnvArguments = "ROVER_ARGS"

// ErrHelp is returned by CheckHelpAndWarnUnparsed when usage was requested.
var ErrHelp = errors.New("help requested")

// Args collects flags from every component and parses them in one pass:
// injected defaults, then environment arguments, then the command line.
// Parse failures are held until CheckHelpAndWarnUnparsed so that bring-up can
// report them at a fixed point in the sequence.
type Args struct {
	fs       *flag.FlagSet
	defaults []string
	parseErr error
	parsed   bool
}

// NewArgs creates an argument set for the named program. Usage output goes to
// out (os.Stderr when nil).
func NewArgs(name string, out io.Writer) *Args {
	if out == nil {
		out = os.Stderr
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return &Args{fs: fs}
}

// FlagSet exposes the underlying flag set so components can register their
// own flags before Parse.
func (a *Args) FlagSet() *flag.FlagSet { return a.fs }

// AddDefaultArgument appends whitespace-separated arguments to the defaults.
func (a *Args) AddDefaultArgument(s string) {
	a.defaults = append(a.defaults, strings.Fields(s)...)
}

// LoadDefaultArguments appends the contents of the ROVER_ARGS environment
// variable (via getenv) to the defaults.
func (a *Args) LoadDefaultArguments(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvArguments)); v != "" {
		a.AddDefaultArgument(v)
	}
}

// Defaults returns a copy of the accumulated default arguments.
func (a *Args) Defaults() []string {
	return append([]string(nil), a.defaults...)
}

// Parse parses defaults followed by argv. It only fails when called twice;
// flag errors are recorded for CheckHelpAndWarnUnparsed.
func (a *Args) Parse(argv []string) error {
	if a.parsed {
		return fmt.Errorf("arguments already parsed")
	}
	a.parsed = true

	all := make([]string, 0, len(a.defaults)+len(argv))
	all = append(all, a.defaults...)
	all = append(all, argv...)
	if err := a.fs.Parse(all); err != nil {
		a.parseErr = err
	}
	return nil
}

// IsSet reports whether the named flag was given, either in the defaults or
// on the command line.
func (a *Args) IsSet(name string) bool {
	set := false
	a.fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// Unparsed returns any positional arguments left after parsing.
func (a *Args) Unparsed() []string {
	return a.fs.Args()
}

// CheckHelpAndWarnUnparsed reports whether parsing succeeded completely. It
// returns ErrHelp when -h/-help was given and an error naming the leftovers
// when positional arguments remain.
func (a *Args) CheckHelpAndWarnUnparsed() error {
	if !a.parsed {
		return fmt.Errorf("arguments not parsed")
	}
	if errors.Is(a.parseErr, flag.ErrHelp) {
		return ErrHelp
	}
	if a.parseErr != nil {
		return a.parseErr
	}
	if rest := a.fs.Args(); len(rest) > 0 {
		fmt.Fprintf(a.fs.Output(), "unparsed arguments: %s\n", strings.Join(rest, " "))
		return fmt.Errorf("unparsed arguments: %q", rest)
	}
	return nil
}
