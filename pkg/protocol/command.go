// Package protocol defines the newline-delimited command protocol: the verb
// table, line parsing, menus and the text of delivered lines.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrEmptyLine is returned for blank input lines.
	ErrEmptyLine = errors.New("empty command")
	// ErrUnknownVerb is returned when the first token is not a known verb.
	ErrUnknownVerb = errors.New("unknown command")
	// ErrArity is returned when a command has the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
)

// Verb names a protocol command.
type Verb string

const (
	VerbSignUp       Verb = "sign-up"
	VerbSignIn       Verb = "sign-in"
	VerbWhisper      Verb = "whisper"
	VerbSay          Verb = "say"
	VerbAll          Verb = "all"
	VerbRoom         Verb = "room"
	VerbCreateRoom   Verb = "create-room"
	VerbJoinRoom     Verb = "join-room"
	VerbLeaveRoom    Verb = "leave-room"
	VerbListRooms    Verb = "list-room"
	VerbLaunch       Verb = "launch-missile"
	VerbListRequests Verb = "list-requests"
	VerbAccept       Verb = "accept-request"
	VerbReject       Verb = "reject-request"
	VerbPromote      Verb = "promote"
	VerbDemote       Verb = "demote"
	VerbQuit         Verb = "quit"
)

// verbSpec describes a verb's arguments. When trailing is set the last
// parameter absorbs the remainder of the line, spaces included.
type verbSpec struct {
	params   []string
	trailing bool
	auth     bool
}

var verbs = map[Verb]verbSpec{
	VerbSignUp:       {params: []string{"username", "email", "password", "role"}, auth: true},
	VerbSignIn:       {params: []string{"email", "password"}, auth: true},
	VerbWhisper:      {params: []string{"user", "message"}, trailing: true},
	VerbSay:          {params: []string{"role", "message"}, trailing: true},
	VerbAll:          {params: []string{"message"}, trailing: true},
	VerbRoom:         {params: []string{"room", "message"}, trailing: true},
	VerbCreateRoom:   {params: []string{"name"}},
	VerbJoinRoom:     {params: []string{"name"}},
	VerbLeaveRoom:    {params: []string{"name"}},
	VerbListRooms:    {},
	VerbLaunch:       {params: []string{"location", "reason"}, trailing: true},
	VerbListRequests: {},
	VerbAccept:       {params: []string{"id"}},
	VerbReject:       {params: []string{"id"}},
	VerbPromote:      {params: []string{"username", "role"}},
	VerbDemote:       {params: []string{"username", "role"}},
	VerbQuit:         {},
}

var aliases = map[string]Verb{
	"list-rooms": VerbListRooms,
}

// Command is one parsed protocol line.
type Command struct {
	Verb Verb
	Args []string
}

// Arg returns the i-th argument or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// IsAuthVerb reports whether v is only valid before authentication.
func (v Verb) IsAuthVerb() bool {
	return verbs[v].auth
}

// Usage returns the usage string for v, e.g. "/whisper <user> <message>".
func Usage(v Verb) string {
	spec, ok := verbs[v]
	if !ok {
		return "/" + string(v)
	}
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(string(v))
	for _, p := range spec.params {
		b.WriteString(" <")
		b.WriteString(p)
		b.WriteString(">")
	}
	return b.String()
}

// Parse splits a protocol line into a Command. A leading "/" on the verb is
// optional and verbs match case-insensitively.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyLine
	}

	fields := strings.Fields(line)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	verb := Verb(name)
	if alias, ok := aliases[name]; ok {
		verb = alias
	}
	spec, ok := verbs[verb]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownVerb, fields[0])
	}

	argc := len(fields) - 1
	want := len(spec.params)
	if argc < want || (!spec.trailing && argc != want) {
		return Command{}, fmt.Errorf("%w, usage: %s", ErrArity, Usage(verb))
	}

	if !spec.trailing || want == 0 {
		return Command{Verb: verb, Args: fields[1:]}, nil
	}

	args := make([]string, 0, want)
	args = append(args, fields[1:want]...)
	args = append(args, skipFields(line, want))
	return Command{Verb: verb, Args: args}, nil
}

// skipFields drops the first n whitespace-separated fields from s and
// returns the trimmed remainder.
func skipFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		s = s[end:]
	}
	return strings.TrimSpace(s)
}
