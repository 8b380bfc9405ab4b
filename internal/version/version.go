// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/orders/internal/version.version=v1.2.0
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарь.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{
		Version:   version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
	}
}

// ShortCommit возвращает первые 7 символов commit.
func (b Build) ShortCommit() string {
	if len(b.Commit) > 7 {
		return b.Commit[:7]
	}
	return b.Commit
}

// IsRelease сообщает, что version проставлена при сборке.
func (b Build) IsRelease() bool {
	return b.Version != "" && b.Version != "dev"
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.ShortCommit(), b.Date, b.GoVersion)
}

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

func String() string { return Current().String() }

// UserAgent формирует user-agent исходящих gRPC-вызовов: "<component>/<version>".
func UserAgent(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		component = "orders"
	}
	return component + "/" + version
}
