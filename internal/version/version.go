package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Major = "0"
var Minor = "0"
var Patch = "0"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built"`
	GitCommit string `json:"git_commit,omitempty"`
	Platform  string `json:"platform"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Major:     parseInt(Major),
		Minor:     parseInt(Minor),
		Patch:     parseInt(Patch),
		Built:     Built,
		GitCommit: GitCommit,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Line renders the version for a command, e.g.
// "changewatch 1.2.3 (abc123, linux/amd64)".
func (info VersionInfo) Line(command string) string {
	name := strings.TrimSpace(info.Version)
	if name == "" {
		name = "dev"
	}
	details := []string{}
	if info.GitCommit != "" {
		details = append(details, info.GitCommit)
	}
	if info.Built != "" {
		details = append(details, "built "+info.Built)
	}
	details = append(details, info.Platform)
	return fmt.Sprintf("%s %s (%s)", command, name, strings.Join(details, ", "))
}

func parseInt(value string) int {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
