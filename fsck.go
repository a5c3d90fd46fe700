package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/xcryptfs/xcryptfs/internal/atomicswap"
	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/encstate"
	"github.com/xcryptfs/xcryptfs/internal/exitcodes"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

// fsckObj checks a mirror directory without mounting it. No key is needed:
// it looks at what is on disk, not at what it decrypts to.
type fsckObj struct {
	// mirrordir is the absolute path of the directory being checked
	mirrordir string
	// excluder skips paths, may be nil
	excluder *ignore.GitIgnore
	state    encstate.Tracker
	// problems holds one line per problem found, relative paths
	problems []string
}

func (ck *fsckObj) problem(rel string, format string, a ...interface{}) {
	msg := fmt.Sprintf("%q: %s", rel, fmt.Sprintf(format, a...))
	fmt.Printf("fsck: %s\n", msg)
	ck.problems = append(ck.problems, msg)
}

// walk checks everything below ck.mirrordir.
func (ck *fsckObj) walk() {
	err := filepath.WalkDir(ck.mirrordir, func(path string, d fs.DirEntry, err error) error {
		rel, _ := filepath.Rel(ck.mirrordir, path)
		if err != nil {
			ck.problem(rel, "%v", err)
			return nil
		}
		if rel == "." {
			return nil
		}
		if ck.excluder != nil && ck.excluder.MatchesPath(rel) {
			tlog.Debug.Printf("fsck: excluded %q", rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if atomicswap.IsWorkingCopy(d.Name()) {
			ck.problem(rel, "stale working copy, left behind by a crash")
			return nil
		}
		if d.Type().IsRegular() {
			ck.file(rel, path)
		}
		return nil
	})
	if err != nil {
		ck.problem(".", "walk: %v", err)
	}
}

// file checks a single regular file.
func (ck *fsckObj) file(rel string, path string) {
	inconsistent, err := ck.state.IsInconsistent(path)
	if err != nil {
		ck.problem(rel, "%v", err)
		return
	}
	if inconsistent {
		ck.problem(rel, "left in plaintext at rest by a failed re-encryption")
		return
	}
	enc, err := ck.state.IsEncrypted(path)
	if err != nil {
		ck.problem(rel, "%v", err)
		return
	}
	if !enc {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		ck.problem(rel, "%v", err)
		return
	}
	defer f.Close()
	buf := make([]byte, contentenc.HeaderLen)
	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		ck.problem(rel, "flagged as encrypted but only %d bytes long: %v", n, contentenc.ErrTruncatedHeader)
		return
	} else if err != nil {
		ck.problem(rel, "%v", err)
		return
	}
	if _, err := contentenc.ParseHeader(buf); err != nil {
		ck.problem(rel, "%v", err)
	}
}

// getExclusionPatterns collects the patterns from "-exclude" and the files
// named by "-exclude-from".
func getExclusionPatterns(args *argContainer) ([]string, error) {
	patterns := append([]string{}, args.exclude...)
	for _, file := range args.excludeFrom {
		buf, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading exclusion patterns: %w", err)
		}
		patterns = append(patterns, strings.Split(string(buf), "\n")...)
	}
	return patterns, nil
}

// compileExcluder returns nil if there are no patterns.
func compileExcluder(patterns []string) *ignore.GitIgnore {
	if len(patterns) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(patterns...)
}

// fsck checks args.mirrordir and returns the exit code.
func fsck(args *argContainer) int {
	ck := fsckObj{
		mirrordir: args.mirrordir,
	}
	patterns, err := getExclusionPatterns(args)
	if err != nil {
		tlog.Fatal.Println(err)
		return exitcodes.ExcludeError
	}
	ck.excluder = compileExcluder(patterns)
	if err = checkXattrSupport(args.mirrordir); err != nil {
		tlog.Fatal.Println(err)
		return exitcodes.MirrorDir
	}
	ck.walk()
	fmt.Printf("fsck: found %d problems\n", len(ck.problems))
	if len(ck.problems) != 0 {
		return exitcodes.FsckErrors
	}
	return 0
}
