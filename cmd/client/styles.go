package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/warroom/pkg/protocol"
)

// lineKind is how a received line was routed, read from its tag.
type lineKind int

const (
	kindPlain lineKind = iota
	kindWhisper
	kindRank
	kindAll
	kindRoom
	kindServer
	kindLaunch
	kindInfo
	kindError
)

var (
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	whisperStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	rankStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	allStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	roomStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	serverStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	launchStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	menuStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
)

// splitTimestamp separates a leading "[dd/MM/yyyy HH:mm:ss] " stamp.
func splitTimestamp(line string) (stamp, rest string) {
	n := len(protocol.TimeLayout) + 2
	if len(line) > n && line[0] == '[' && line[n-1] == ']' && line[n] == ' ' {
		return line[:n], line[n+1:]
	}
	return "", line
}

func classify(line string) lineKind {
	_, rest := splitTimestamp(line)
	switch {
	case strings.HasPrefix(rest, protocol.TagWhisper):
		return kindWhisper
	case strings.HasPrefix(rest, protocol.TagRank):
		return kindRank
	case strings.HasPrefix(rest, protocol.TagAll):
		return kindAll
	case strings.HasPrefix(rest, "[Room "):
		return kindRoom
	case strings.HasPrefix(rest, protocol.TagServer):
		if strings.Contains(rest, "MISSILE LAUNCHED") {
			return kindLaunch
		}
		return kindServer
	case strings.HasPrefix(rest, protocol.TagInfo):
		return kindInfo
	case strings.HasPrefix(rest, protocol.TagError):
		return kindError
	}
	return kindPlain
}

func styleFor(kind lineKind) lipgloss.Style {
	switch kind {
	case kindWhisper:
		return whisperStyle
	case kindRank:
		return rankStyle
	case kindAll:
		return allStyle
	case kindRoom:
		return roomStyle
	case kindServer:
		return serverStyle
	case kindLaunch:
		return launchStyle
	case kindInfo:
		return infoStyle
	case kindError:
		return errorStyle
	}
	return menuStyle
}

// render colours one received line. The timestamp is dimmed separately.
func render(line string) string {
	stamp, rest := splitTimestamp(line)
	body := styleFor(classify(line)).Render(rest)
	if stamp == "" {
		return body
	}
	return timestampStyle.Render(stamp) + " " + body
}
