package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/syslog"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/xattr"

	"github.com/xcryptfs/xcryptfs/internal/audit_log"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/cryptocore"
	"github.com/xcryptfs/xcryptfs/internal/ctlsocksrv"
	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
	"github.com/xcryptfs/xcryptfs/internal/fusefrontend"
	"github.com/xcryptfs/xcryptfs/internal/orchestrator"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// doMount mounts the mirror directory and serves it until unmount.
// Called from main. Returns the exit code.
func doMount(args *argContainer) int {
	// Check mountpoint
	var err error
	args.mountpoint, err = filepath.Abs(args.mountpoint)
	if err != nil {
		tlog.Fatal.Printf("Invalid mountpoint: %v", err)
		os.Exit(exitcodes.MountPoint)
	}
	// We cannot mount "/home/user/.mirror" at "/home/user" because the mount
	// will hide ".mirror" also for us.
	if args.mirrordir == args.mountpoint || strings.HasPrefix(args.mirrordir, args.mountpoint+"/") {
		tlog.Fatal.Printf("Mountpoint %q would shadow mirrordir %q, this is not supported",
			args.mountpoint, args.mirrordir)
		os.Exit(exitcodes.MountPoint)
	}
	// Mounting "/foo" at "/foo/mnt" would show the mount inside of itself.
	if strings.HasPrefix(args.mountpoint, args.mirrordir+"/") {
		tlog.Fatal.Printf("Mountpoint %q is contained in mirrordir %q, this is not supported",
			args.mountpoint, args.mirrordir)
		os.Exit(exitcodes.MountPoint)
	}
	if args.nonempty {
		err = isDir(args.mountpoint)
	} else {
		err = isEmptyDir(args.mountpoint)
	}
	if err != nil {
		tlog.Fatal.Printf("Invalid mountpoint: %v", err)
		os.Exit(exitcodes.MountPoint)
	}
	// The encryption flag lives in an extended attribute. Without them,
	// every file would look like plaintext.
	if err = checkXattrSupport(args.mirrordir); err != nil {
		tlog.Fatal.Printf("Invalid mirrordir: %v", err)
		os.Exit(exitcodes.MirrorDir)
	}
	// Open control socket early so we can error out before asking the user
	// for the key
	if args.ctlsock != "" {
		// We must use an absolute path because we cd to / when daemonizing.
		// This messes up the delete-on-close logic in the unix socket object.
		args.ctlsock, _ = filepath.Abs(args.ctlsock)
		args._ctlsockFd, err = ctlsocksrv.Listen(args.ctlsock)
		if err != nil {
			tlog.Fatal.Printf("ctlsock: %v", err)
			os.Exit(exitcodes.CtlSock)
		}
		// Close also deletes the socket file
		defer func() {
			err = args._ctlsockFd.Close()
			if err != nil {
				tlog.Warn.Printf("ctlsock close: %v", err)
			}
		}()
	}
	var audit *audit_log.Log
	if args.auditlog != "" {
		args.auditlog, _ = filepath.Abs(args.auditlog)
		audit, err = audit_log.Open(args.auditlog)
		if err != nil {
			tlog.Fatal.Printf("auditlog: %v", err)
			os.Exit(exitcodes.Other)
		}
		defer audit.Close()
	}
	tlog.Debug.Printf("mirrordir=%q mountpoint=%q", args.mirrordir, args.mountpoint)
	// Initialize the filesystem (ask for the key, ...)
	rn, orch, wipeKeys := initFuseFrontend(args, audit)
	// Initialize go-fuse FUSE server
	srv := initGoFuse(rn, args)
	// Try to wipe secret keys from memory after unmount. Shutdown waits for
	// control socket requests that are still running.
	defer orch.Shutdown(wipeKeys)
	if args._ctlsockFd != nil {
		go ctlsocksrv.Serve(args._ctlsockFd, rn)
	}

	tlog.Info.Println(tlog.ColorGreen + "Filesystem mounted and ready." + tlog.ColorReset)
	// We have been forked into the background, as evidenced by the set
	// "notifypid".
	if args.notifypid > 0 {
		// Chdir to the root directory so we don't block unmounting the CWD
		os.Chdir("/")
		// Switch to syslog
		if !args.nosyslog {
			// Switch all of our logs and the generic logger to syslog
			tlog.Info.SwitchToSyslog(syslog.LOG_USER | syslog.LOG_INFO)
			tlog.Debug.SwitchToSyslog(syslog.LOG_USER | syslog.LOG_DEBUG)
			tlog.Warn.SwitchToSyslog(syslog.LOG_USER | syslog.LOG_WARNING)
			tlog.Fatal.SwitchToSyslog(syslog.LOG_USER | syslog.LOG_CRIT)
			tlog.SwitchLoggerToSyslog()
			// Daemons should redirect stdin, stdout and stderr
			redirectStdFds()
		}
		// Disconnect from the controlling terminal by creating a new session.
		// This prevents us from getting SIGINT when the user presses Ctrl-C
		// to exit a running script that has called xcryptfs.
		_, err = syscall.Setsid()
		if err != nil {
			tlog.Warn.Printf("Setsid: %v", err)
		}
		// Send SIGUSR1 to our parent
		sendUsr1(args.notifypid)
	}
	// Increase the open file limit to 4096. This is not essential, so do it after
	// we have switched to syslog and don't bother the user with warnings.
	setOpenFileLimit()
	// Wait for SIGINT in the background and unmount ourselves if we get it.
	// This prevents a dangling "Transport endpoint is not connected"
	// mountpoint if the user hits CTRL-C.
	handleSigint(srv, args.mountpoint)
	// Return memory that was allocated during startup to the OS
	debug.FreeOSMemory()
	// Set up autounmount, if requested.
	if args.idle > 0 {
		go idleMonitor(args.idle, orch, srv, args.mountpoint)
	}
	// Wait for unmount
	srv.Wait()
	rn.AfterUnmount()
	if q := orch.Inconsistent(); len(q) > 0 {
		for _, p := range q {
			tlog.Warn.Printf("left in plaintext at rest: %q", p)
		}
		return exitcodes.Inconsistent
	}
	return 0
}

// Based on the EncFS idle monitor:
// https://github.com/vgough/encfs/blob/1974b417af189a41ffae4c6feb011d2a0498e437/encfs/main.cpp#L851
// idleMonitor is a function to be run as a thread that checks for
// filesystem idleness and unmounts if we've been idle for long enough.
const checksDuringTimeoutPeriod = 4

func idleMonitor(idleTimeout time.Duration, orch *orchestrator.Orchestrator, srv *fuse.Server, mountpoint string) {
	// sleepNs is the sleep time between checks, in nanoseconds.
	sleepNs := min(
		int64(idleTimeout)/checksDuringTimeoutPeriod,
		int64(2*time.Minute))
	timeoutCycles := int(math.Ceil(float64(idleTimeout) / float64(sleepNs)))
	idleCount := 0
	lastSwaps := orch.SwapCount()
	for {
		// Any content access since the last check, or one that is still
		// running, resets the idle counter.
		swaps := orch.SwapCount()
		busy := orch.Busy()
		if swaps != lastSwaps || busy > 0 {
			idleCount = 0
		} else {
			idleCount++
		}
		lastSwaps = swaps
		tlog.Debug.Printf(
			"idleMonitor: swaps=%d busy=%d idleCount=%d", swaps, busy, idleCount)
		if idleCount > 0 && idleCount%timeoutCycles == 0 {
			tlog.Info.Printf("Filesystem idle; unmounting: %s", mountpoint)
			err := srv.Unmount()
			if err != nil {
				// We get EBUSY when something is still using the mount, for
				// example a shell sitting in a directory.
				tlog.Info.Printf("idleMonitor: unmount failed: %v. Resetting idle time.", err)
				idleCount = 0
			}
		}
		time.Sleep(time.Duration(sleepNs))
	}
}

// setOpenFileLimit tries to increase the open file limit to 4096 (the default hard
// limit on Linux).
func setOpenFileLimit() {
	var lim syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Getting RLIMIT_NOFILE failed: %v", err)
		return
	}
	if lim.Cur >= 4096 {
		return
	}
	lim.Cur = 4096
	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &lim)
	if err != nil {
		tlog.Warn.Printf("Setting RLIMIT_NOFILE to %+v failed: %v", lim, err)
		//         %+v output: "{Cur:4097 Max:4096}" ^
	}
}

// initFuseFrontend - initialize xcryptfs/fusefrontend
// Calls os.Exit on errors
func initFuseFrontend(args *argContainer, audit *audit_log.Log) (rn *fusefrontend.RootNode, orch *orchestrator.Orchestrator, wipeKeys func()) {
	key := getKey(args)
	cCore := cryptocore.New(key)
	// cryptocore.New keeps a derived key, not "key" itself
	for i := range key {
		key[i] = 0
	}
	cEnc := contentenc.New(cCore, contentenc.DefaultChunkSize)
	orch = orchestrator.New(orchestrator.Config{
		Transformer: cEnc,
		Audit:       audit,
	})
	frontendArgs := fusefrontend.Args{
		Mirrordir:     args.mirrordir,
		PreserveOwner: args.preserve_owner,
	}
	// Init the filesystem
	rn, err := fusefrontend.NewRootNode(frontendArgs, orch, audit)
	if err != nil {
		tlog.Fatal.Printf("Could not initialize filesystem: %v", err)
		os.Exit(exitcodes.MirrorDir)
	}
	// We have opened the socket early so that we cannot fail here after
	// asking the user for the key
	tlog.Debug.Printf("frontendArgs: %s", tlog.JSONDump(frontendArgs))
	return rn, orch, cCore.Wipe
}

func initGoFuse(rn *fusefrontend.RootNode, args *argContainer) *fuse.Server {
	sec := time.Second
	fuseOpts := &fs.Options{
		// These options are to be compatible with libfuse defaults,
		// making benchmarking easier.
		NegativeTimeout: &sec,
		AttrTimeout:     &sec,
		EntryTimeout:    &sec,
	}
	mOpts := &fuseOpts.MountOptions
	// Writes and reads are capped at 128kiB on Linux through the
	// FUSE_MAX_PAGES_PER_REQ kernel constant in fuse_i.h by default. Every
	// request is a full decrypt/encrypt cycle, so we want the biggest
	// requests the kernel will give us.
	mOpts.MaxWrite = fuse.MAX_KERNEL_WRITE
	mOpts.Options = []string{fmt.Sprintf("max_read=%d", fuse.MAX_KERNEL_WRITE)}
	if args.allow_other {
		tlog.Info.Println(tlog.ColorYellow + "The option \"-allow_other\" is set. Make sure the file " +
			"permissions protect your data from unwanted access." + tlog.ColorReset)
		mOpts.AllowOther = true
		// Make the kernel check the file permissions for us
		mOpts.Options = append(mOpts.Options, "default_permissions")
	}
	// fusermount from libfuse 3.x removed the "nonempty" option and exits
	// with an error if it sees it. Only add it to the options on libfuse 2.x.
	if args.nonempty && haveFusermount2() {
		mOpts.Options = append(mOpts.Options, "nonempty")
	}
	// Set values shown in "df -T" and friends
	// First column, "Filesystem"
	fsname := args.mirrordir
	if args.fsname != "" {
		fsname = args.fsname
	}
	fsname2 := strings.ReplaceAll(fsname, ",", "_")
	if fsname2 != fsname {
		tlog.Warn.Printf("Warning: %q will be displayed as %q in \"df -T\"", fsname, fsname2)
		fsname = fsname2
	}
	mOpts.FsName = fsname
	// Second column, "Type", will be shown as "fuse." + Name
	mOpts.Name = tlog.ProgramName
	// The kernel enforces read-only operation, we just have to pass "ro".
	if args.ro {
		mOpts.Options = append(mOpts.Options, "ro")
	} else if args.rw {
		mOpts.Options = append(mOpts.Options, "rw")
	}
	// Add additional mount options (if any) after the stock ones, so the user has
	// a chance to override them.
	if args.ko != "" {
		parts := strings.Split(args.ko, ",")
		tlog.Debug.Printf("Adding -ko mount options: %v", parts)
		mOpts.Options = append(mOpts.Options, parts...)
	}
	mOpts.Debug = args.fusedebug
	// As root we can call mount(2) ourselves, go-fuse falls back to
	// fusermount if that fails.
	mOpts.DirectMount = os.Geteuid() == 0

	// All FUSE file and directory create calls carry explicit permission
	// information. We need an unrestricted umask to create the files and
	// directories with the requested permissions.
	syscall.Umask(0000)

	srv, err := fs.Mount(args.mountpoint, rn, fuseOpts)
	if err != nil {
		tlog.Fatal.Printf("fs.Mount failed: %s", strings.TrimSpace(err.Error()))
		os.Exit(exitcodes.FuseNewServer)
	}
	return srv
}

// haveFusermount2 finds out if the "fusermount" binary is from libfuse 2.x.
func haveFusermount2() bool {
	path, err := exec.LookPath("fusermount")
	if err != nil {
		path = "/bin/fusermount"
	}
	cmd := exec.Command(path, "-V")
	var out bytes.Buffer
	cmd.Stdout = &out
	err = cmd.Run()
	if err != nil {
		tlog.Warn.Printf("warning: haveFusermount2: %v", err)
		return false
	}
	// libfuse 2: fusermount version: 2.9.9
	// libfuse 3: fusermount3 version: 3.9.0
	v := out.String()
	return strings.HasPrefix(v, "fusermount version")
}

func handleSigint(srv *fuse.Server, mountpoint string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		unmount(srv, mountpoint)
		os.Exit(exitcodes.SigInt)
	}()
}

// unmount() calls srv.Unmount(), and if that fails, calls "fusermount -u -z"
// (lazy unmount).
func unmount(srv *fuse.Server, mountpoint string) {
	err := srv.Unmount()
	if err != nil {
		tlog.Warn.Printf("unmount: srv.Unmount returned %v", err)
		if runtime.GOOS == "linux" {
			// MacOSX does not support lazy unmount
			tlog.Info.Printf("Trying lazy unmount")
			cmd := exec.Command("fusermount", "-u", "-z", mountpoint)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Run()
		}
	}
}

// isDir returns nil if "dir" exists and is a directory.
func isDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// isEmptyDir returns nil if "dir" is an empty directory.
func isEmptyDir(dir string) error {
	err := isDir(dir)
	if err != nil {
		return err
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("directory %s not empty", dir)
}

// checkXattrSupport errors out if the filesystem holding "dir" cannot store
// extended attributes at all.
func checkXattrSupport(dir string) error {
	_, err := xattr.LList(dir)
	if err == nil {
		return nil
	}
	var xerr *xattr.Error
	if errors.As(err, &xerr) && (xerr.Err == syscall.ENOTSUP || xerr.Err == syscall.EOPNOTSUPP) {
		return fmt.Errorf("%s does not support extended attributes", dir)
	}
	// Other errors (EACCES, ...) will show up again on the first access.
	tlog.Debug.Printf("checkXattrSupport %q: %v", dir, err)
	return nil
}
