package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"

	"github.com/xcryptfs/xcryptfs/internal/contentenc"
	"github.com/xcryptfs/xcryptfs/internal/tlog"
)

const (
	gitVersionNotSet     = "[GitVersion not set]"
	gitVersionFuseNotSet = "[GitVersionFuse not set]"
	buildDateNotSet      = "0000-00-00"
)

// The variables below can be set at link time, like
//
//	go build -ldflags "-X main.GitVersion=$(git describe --dirty)"
//
// Otherwise versionFromBuildInfo fills them in.
var (
	// GitVersion is the xcryptfs version according to git
	GitVersion = gitVersionNotSet
	// GitVersionFuse is the go-fuse library version
	GitVersionFuse = gitVersionFuseNotSet
	// BuildDate is a date string like "2017-09-06"
	BuildDate = buildDateNotSet
)

func init() {
	versionFromBuildInfo()
}

// raceDetector is set to true by race.go if we are compiled with "go build -race"
var raceDetector bool

// printVersion prints a version string like this:
// xcryptfs v0.3-2-gcf99cfd; on-disk format 1; go-fuse v2.9.0; 2026-05-12 go1.25.6 linux/amd64
func printVersion() {
	built := fmt.Sprintf("%s %s", BuildDate, runtime.Version())
	if raceDetector {
		built += " -race"
	}
	fmt.Printf("%s %s; on-disk format %d; go-fuse %s; %s %s/%s\n",
		tlog.ProgramName, GitVersion, contentenc.CurrentVersion, GitVersionFuse, built,
		runtime.GOOS, runtime.GOARCH)
}

// versionFromBuildInfo tries to get some information out of the information baked in
// by the Go compiler. Values set with -ldflags are kept.
func versionFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		tlog.Debug.Println("versionFromBuildInfo: ReadBuildInfo() failed")
		return
	}
	// Parse BuildSettings
	var vcsRevision, vcsTime string
	var vcsModified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsRevision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			vcsModified, _ = strconv.ParseBool(s.Value)
		}
	}
	// Fill our version strings
	if GitVersion == gitVersionNotSet {
		GitVersion = info.Main.Version
		if GitVersion == "(devel)" && vcsRevision != "" {
			GitVersion = fmt.Sprintf("vcs.revision=%s", vcsRevision)
		}
		if vcsModified {
			GitVersion += "-dirty"
		}
	}
	if GitVersionFuse == gitVersionFuseNotSet {
		for _, m := range info.Deps {
			if m.Path == "github.com/hanwen/go-fuse/v2" {
				GitVersionFuse = m.Version
				if m.Replace != nil {
					GitVersionFuse = m.Replace.Version
				}
				break
			}
		}
	}
	if BuildDate == buildDateNotSet {
		if vcsTime != "" {
			BuildDate = fmt.Sprintf("vcs.time=%s", vcsTime)
		}
	}
}
