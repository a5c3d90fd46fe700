package main

// Should be initialized before anything else.
// This import line MUST be in the alphabetically first source code file of
// package main!
import (
	_ "github.com/xcryptfs/xcryptfs/internal/ensurefds012"

	"fmt"
	"net"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// argContainer stores the parsed CLI options and arguments
type argContainer struct {
	debug, fusedebug, fg, version, quiet, nosyslog, wpanic, allow_other,
	nonempty, fsck, speed, help, hh, preserve_owner bool
	// Mount options with opposites
	rw, ro bool
	mirrordir, mountpoint, ctlsock, fsname, ko, auditlog, cpuprofile,
	memprofile, trace string
	// -extpass, -passfile and -exclude can be passed multiple times
	extpass, passfile, exclude, excludeFrom []string
	notifypid int
	// Idle time before autounmount
	idle time.Duration
	// Helper variables that are NOT cli options all start with an underscore
	// _ctlsockFd stores the control socket file descriptor (ctlsock stores the path)
	_ctlsockFd net.Listener
	// _key is the secret passed as the first positional argument, if any
	_key []byte
}

var flagSet *flag.FlagSet

// prefixOArgs transform options passed via "-o foo,bar" into regular options
// like "-foo -bar" and prefixes them to the command line.
// Testcases in TestPrefixOArgs().
func prefixOArgs(osArgs []string) ([]string, error) {
	// Need at least 3, example: xcryptfs -o    foo,bar
	//                              ^ 0    ^ 1    ^ 2
	if len(osArgs) < 3 {
		return osArgs, nil
	}
	// Passing "--" disables "-o" parsing. Ignore element 0 (program name).
	for _, v := range osArgs[1:] {
		if v == "--" {
			return osArgs, nil
		}
	}
	// Find and extract "-o foo,bar"
	var otherArgs, oOpts []string
	for i := 1; i < len(osArgs); i++ {
		if osArgs[i] == "-o" {
			// Last argument?
			if i+1 >= len(osArgs) {
				return nil, fmt.Errorf("the \"-o\" option requires an argument")
			}
			oOpts = strings.Split(osArgs[i+1], ",")
			// Skip over the arguments to "-o"
			i++
		} else if strings.HasPrefix(osArgs[i], "-o=") {
			oOpts = strings.Split(osArgs[i][3:], ",")
		} else {
			otherArgs = append(otherArgs, osArgs[i])
		}
	}
	// Start with program name
	newArgs := []string{osArgs[0]}
	// Add options from "-o"
	for _, o := range oOpts {
		if o == "" {
			continue
		}
		if o == "o" || o == "-o" {
			return nil, fmt.Errorf("you can't pass \"-o\" to \"-o\"")
		}
		newArgs = append(newArgs, "-"+o)
	}
	// Add other arguments
	newArgs = append(newArgs, otherArgs...)
	return newArgs, nil
}

// convertToDoubleDash converts args like "-debug" (Go stdlib `flag` style)
// into "--debug" (spf13/pflag style).
// xcryptfs always accepted both "-" and "--" flags, and pflag only accepts
// "--" for long flags. Everything after a standalone "--" is left alone.
func convertToDoubleDash(args []string) (out []string) {
	if args == nil {
		return nil
	}
	out = append(out, args...)
	for i, v := range out {
		// Leave "--" alone, also stop converting after it
		if v == "--" {
			break
		}
		if len(v) >= 2 && v[0] == '-' && v[1] != '-' {
			out[i] = "-" + out[i]
		}
	}
	return out
}

// parseCliOpts - parse command line options (i.e. arguments that start with "-")
func parseCliOpts(osArgs []string) (args argContainer) {
	var err error

	osArgsPreprocessed, err := prefixOArgs(osArgs)
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.Usage)
	}
	osArgsPreprocessed = convertToDoubleDash(osArgsPreprocessed)

	flagSet = flag.NewFlagSet(tlog.ProgramName, flag.ContinueOnError)
	flagSet.Usage = func() {}
	flagSet.BoolVar(&args.debug, "d", false, "")
	flagSet.BoolVar(&args.debug, "debug", false, "Enable debug output")
	flagSet.BoolVar(&args.fusedebug, "fusedebug", false, "Enable fuse library debug output")
	flagSet.BoolVar(&args.fg, "f", false, "")
	flagSet.BoolVar(&args.fg, "fg", false, "Stay in the foreground")
	flagSet.BoolVar(&args.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&args.quiet, "q", false, "")
	flagSet.BoolVar(&args.quiet, "quiet", false, "Quiet - silence informational messages")
	flagSet.BoolVar(&args.nosyslog, "nosyslog", false, "Do not redirect output to syslog when running in the background")
	flagSet.BoolVar(&args.wpanic, "wpanic", false, "When encountering a warning, panic and exit immediately")
	flagSet.BoolVar(&args.allow_other, "allow_other", false, "Allow other users to access the filesystem. "+
		"Only works if user_allow_other is set in /etc/fuse.conf.")
	flagSet.BoolVar(&args.nonempty, "nonempty", false, "Allow mounting over non-empty directories")
	flagSet.BoolVar(&args.fsck, "fsck", false, "Run a filesystem check on MIRRORDIR")
	flagSet.BoolVar(&args.speed, "speed", false, "Run crypto speed test")
	flagSet.BoolVar(&args.help, "h", false, "")
	flagSet.BoolVar(&args.help, "help", false, "Short help text")
	flagSet.BoolVar(&args.hh, "hh", false, "Show this long help text")
	flagSet.BoolVar(&args.preserve_owner, "preserve_owner", true, "Give newly created files to the calling user when running as root")

	// Mount options with opposites
	flagSet.BoolVar(&args.rw, "rw", false, "Mount the filesystem read-write")
	flagSet.BoolVar(&args.ro, "ro", false, "Mount the filesystem read-only")

	flagSet.StringVar(&args.ctlsock, "ctlsock", "", "Create control socket at specified path")
	flagSet.StringVar(&args.fsname, "fsname", "", "Override the filesystem name")
	flagSet.StringVar(&args.ko, "ko", "", "Pass additional options directly to the kernel, comma-separated list")
	flagSet.StringVar(&args.auditlog, "auditlog", "", "Append a JSON line for every content access to this file")
	flagSet.StringVar(&args.cpuprofile, "cpuprofile", "", "Write cpu profile to specified file")
	flagSet.StringVar(&args.memprofile, "memprofile", "", "Write memory profile to specified file")
	flagSet.StringVar(&args.trace, "trace", "", "Write execution trace to file")

	// Exclusion options for -fsck
	flagSet.StringArrayVar(&args.exclude, "e", nil, "Alias for -exclude")
	flagSet.StringArrayVar(&args.exclude, "exclude", nil, "Skip paths matching this gitignore-style pattern during -fsck")
	flagSet.StringArrayVar(&args.excludeFrom, "exclude-from", nil, "File from which to read -fsck exclusion patterns")

	// multipleStrings options ([]string)
	flagSet.StringSliceVar(&args.extpass, "extpass", nil, "Use external program for the key prompt")
	flagSet.StringArrayVar(&args.passfile, "passfile", nil, "Read key from file")

	flagSet.IntVar(&args.notifypid, "notifypid", 0, "Send USR1 to the specified process after "+
		"successful mount - used internally for daemonization")
	flagSet.DurationVar(&args.idle, "i", 0, "")
	flagSet.DurationVar(&args.idle, "idle", 0, "Auto-unmount after specified idle duration. "+
		"Durations are specified like \"500s\" or \"2h45m\". 0 means stay mounted indefinitely.")

	// Actual parsing
	err = flagSet.Parse(osArgsPreprocessed[1:])
	if err != nil {
		tlog.Fatal.Printf("Invalid command line: %s: %v. Try '%s -help'.", prettyArgs(), err, tlog.ProgramName)
		os.Exit(exitcodes.Usage)
	}
	if args.help {
		helpShort()
		os.Exit(0)
	}
	if args.hh {
		helpLong()
		os.Exit(0)
	}
	// "-ro" and "-rw" are mutually exclusive
	if args.ro && args.rw {
		tlog.Fatal.Printf("-ro and -rw are mutually exclusive")
		os.Exit(exitcodes.Usage)
	}
	// "-extpass" and "-passfile" are mutually exclusive, and both exclude a
	// key on the command line.
	if len(args.extpass) > 0 && len(args.passfile) > 0 {
		tlog.Fatal.Printf("The options -extpass and -passfile cannot be used at the same time")
		os.Exit(exitcodes.Usage)
	}
	if len(args.exclude) > 0 || len(args.excludeFrom) > 0 {
		if !args.fsck {
			tlog.Fatal.Printf("-exclude and -exclude-from only make sense together with -fsck")
			os.Exit(exitcodes.ExcludeError)
		}
	}
	return args
}

// prettyArgs pretty-prints the command-line arguments.
func prettyArgs() string {
	pa := fmt.Sprintf("%q", os.Args)
	// Get rid of "[" and "]"
	pa = pa[1 : len(pa)-1]
	return pa
}
