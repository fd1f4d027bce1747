package acomms

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

// Set at build time via `-ldflags "-X 'github.com/acomms/acomms-go/src.ACOMMS_VERSION=X'"`
var ACOMMS_VERSION string //nolint:revive,stylecheck

type buildDetails struct {
	Version  string
	Revision string
	Time     string
	info     *debug.BuildInfo
}

func currentBuild() buildDetails {
	var bi, _ = debug.ReadBuildInfo()

	var setting = func(key string, fallback string) string {
		if bi == nil {
			return fallback
		}

		for _, bs := range bi.Settings {
			if bs.Key == key {
				return bs.Value
			}
		}

		return fallback
	}

	var b = buildDetails{
		Version:  IfThenElse(ACOMMS_VERSION != "", ACOMMS_VERSION, "!UNKNOWN!"),
		Revision: setting("vcs.revision", "UNKNOWN"),
		Time:     setting("vcs.time", "UNKNOWN"),
		info:     bi,
	}

	var dirty, err = strconv.ParseBool(setting("vcs.modified", "INVALID"))
	switch {
	case err != nil:
		b.Revision += "-UNKNOWNDIRTY"
	case dirty:
		b.Revision += "-DIRTY"
	}

	return b
}

func (b buildDetails) String() string {
	return fmt.Sprintf("acomms version %s (revision %s, built at %s)", b.Version, b.Revision, b.Time)
}

func printVersion(program string, verbose bool) {
	var b = currentBuild()

	fmt.Printf("%s - %s\n", program, b)

	if verbose {
		fmt.Printf("\nBuildInfo: %+v\n", b.info)
	}
}
