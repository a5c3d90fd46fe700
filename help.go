package main

import (
	"fmt"

	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

const tUsage = "" +
	"Usage: " + tlog.ProgramName + " [OPTIONS] [KEY] MIRRORDIR MOUNTPOINT\n" +
	"  or   " + tlog.ProgramName + " -fsck [OPTIONS] MIRRORDIR\n"

// helpShort is what gets displayed when passed "-h" or on syntax error.
func helpShort() {
	printVersion()
	fmt.Printf("\n")
	fmt.Printf(tUsage)
	fmt.Printf(`
If KEY is not given, it is read from -passfile, -extpass or the terminal.

Common Options (use -hh to show all):
  -allow_other       Allow other users to access the mount
  -auditlog          Append a JSON line for every content access to a file
  -i, -idle          Unmount automatically after specified idle duration
  -ctlsock           Create control socket at location
  -e, -exclude       Skip paths during -fsck (gitignore syntax)
  -extpass           Call external program to prompt for the key
  -fg                Stay in the foreground
  -fsck              Check the mirror directory
  -fusedebug         Debug FUSE calls
  -h, -help          This short help text
  -hh                Long help text with all options
  -nonempty          Allow mounting over non-empty directory
  -nosyslog          Do not redirect log messages to syslog
  -passfile          Read key from plain text file(s)
  -q, -quiet         Silence informational messages
  -ro                Mount read-only
  -speed             Run crypto speed test
  -version           Print version information
  --                 Stop option parsing
`)
}

// helpLong gets only displayed on "-hh"
func helpLong() {
	printVersion()
	fmt.Printf("\n")
	fmt.Printf(tUsage)
	fmt.Printf(`
Notes: All options can equivalently use "-" (single dash) or "--" (double dash).
       A standalone "--" stops option parsing.
`)
	fmt.Printf("\nOptions:\n")
	flagSet.PrintDefaults()
}
