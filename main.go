// xcryptfs is a transparent encrypting overlay filesystem. It mirrors a
// backing directory and keeps the content of every file created through the
// mount encrypted at rest.
package main

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
	"github.com/xcryptfs/xcryptfs/internal/readpassword"
	"github.com/xcryptfs/xcryptfs/internal/speed"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// getKey returns the mount key: the KEY positional argument if it was given,
// otherwise whatever -passfile, -extpass or the terminal delivers.
// Calls os.Exit on errors.
func getKey(args *argContainer) []byte {
	if args._key != nil {
		tlog.Info.Println(tlog.ColorYellow +
			"THE KEY IS VISIBLE VIA \"ps ax\" AND MAY BE STORED IN YOUR SHELL HISTORY!\n" +
			"Consider using -passfile or -extpass instead." + tlog.ColorReset)
		return args._key
	}
	key, err := readpassword.Once(args.extpass, args.passfile, "")
	if err != nil {
		tlog.Fatal.Println(err)
		os.Exit(exitcodes.ReadPassword)
	}
	if len(key) == 0 {
		tlog.Fatal.Printf("Key is empty")
		os.Exit(exitcodes.PasswordEmpty)
	}
	return key
}

// mirrordirArg turns the MIRRORDIR argument into an absolute path and checks
// that it is a directory. Calls os.Exit on errors.
func mirrordirArg(arg string) string {
	dir, err := filepath.Abs(arg)
	if err == nil {
		err = isDir(dir)
	}
	if err != nil {
		tlog.Fatal.Printf("Invalid mirrordir: %v", err)
		os.Exit(exitcodes.MirrorDir)
	}
	return dir
}

func main() {
	mxp := runtime.GOMAXPROCS(0)
	if mxp < 4 && os.Getenv("GOMAXPROCS") == "" {
		// On a 2-core machine, setting maxprocs to 4 gives 10% better performance.
		// But don't override an explicitly set GOMAXPROCS env variable.
		runtime.GOMAXPROCS(4)
	}
	// Parse all command-line options (i.e. arguments starting with "-")
	// into "args". Path arguments are parsed below.
	args := parseCliOpts(os.Args)
	// Fork a child into the background if "-fg" is not set AND we are mounting
	// a filesystem. The child will do all the work.
	if !args.fg && !args.fsck && (flagSet.NArg() == 2 || flagSet.NArg() == 3) {
		ret := forkChild()
		os.Exit(ret)
	}
	if args.debug {
		tlog.Debug.Enabled = true
	}
	// The key may be on the command line, so only the flags are logged.
	tlog.Debug.Printf("main: %d positional args, fg=%v fsck=%v ctlsock=%q",
		flagSet.NArg(), args.fg, args.fsck, args.ctlsock)
	// "-v"
	if args.version {
		printVersion()
		os.Exit(0)
	}
	// "-speed"
	if args.speed {
		printVersion()
		speed.Run()
		os.Exit(0)
	}
	if args.wpanic {
		tlog.Warn.Wpanic = true
		tlog.Debug.Printf("Panicking on warnings")
	}
	// "-q"
	if args.quiet {
		tlog.Info.Enabled = false
	}
	// "-fsck"
	if args.fsck {
		if flagSet.NArg() != 1 {
			tlog.Fatal.Printf("Usage: %s -fsck [OPTIONS] MIRRORDIR", tlog.ProgramName)
			os.Exit(exitcodes.Usage)
		}
		args.mirrordir = mirrordirArg(flagSet.Arg(0))
		os.Exit(fsck(&args))
	}
	// Mount
	var mirrordir, mountpoint string
	switch flagSet.NArg() {
	case 3:
		if len(args.extpass) > 0 || len(args.passfile) > 0 {
			tlog.Fatal.Printf("KEY on the command line cannot be combined with -extpass or -passfile")
			os.Exit(exitcodes.Usage)
		}
		args._key = []byte(flagSet.Arg(0))
		mirrordir, mountpoint = flagSet.Arg(1), flagSet.Arg(2)
	case 2:
		mirrordir, mountpoint = flagSet.Arg(0), flagSet.Arg(1)
	default:
		if flagSet.NArg() == 0 {
			helpShort()
		} else {
			tlog.Fatal.Printf("Wrong number of arguments (have %d, want 2 or 3)", flagSet.NArg())
			tlog.Fatal.Printf("Usage: %s [OPTIONS] [KEY] MIRRORDIR MOUNTPOINT", tlog.ProgramName)
		}
		os.Exit(exitcodes.Usage)
	}
	if len(args._key) == 0 && flagSet.NArg() == 3 {
		tlog.Fatal.Printf("Key is empty")
		os.Exit(exitcodes.PasswordEmpty)
	}
	args.mirrordir = mirrordirArg(mirrordir)
	args.mountpoint = mountpoint
	stopProfiling := setupProfiling(&args)
	ret := doMount(&args)
	stopProfiling()
	os.Exit(ret)
}
