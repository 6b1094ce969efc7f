package protocol

import "github.com/aeolun/warroom/pkg/rank"

type menuGroup struct {
	title   string
	minRole rank.Role
	entries []menuEntry
}

type menuEntry struct {
	verb Verb
	help string
}

var authGroup = menuGroup{
	title: "Authentication",
	entries: []menuEntry{
		{VerbSignUp, "create an account (role: Private, Sergeant, Lieutenant, General)"},
		{VerbSignIn, "sign in with an existing account"},
	},
}

var commandGroups = []menuGroup{
	{
		title:   "Messages",
		minRole: rank.Private,
		entries: []menuEntry{
			{VerbWhisper, "private message, queued if the user is offline"},
			{VerbSay, "message everyone holding a role"},
			{VerbAll, "message everyone"},
			{VerbRoom, "message a room you belong to"},
		},
	},
	{
		title:   "Rooms",
		minRole: rank.Private,
		entries: []menuEntry{
			{VerbCreateRoom, "create a room and join it"},
			{VerbJoinRoom, "join an existing room"},
			{VerbLeaveRoom, "leave a room"},
			{VerbListRooms, "list rooms and member counts"},
		},
	},
	{
		title:   "Offensive",
		minRole: rank.Private,
		entries: []menuEntry{
			{VerbLaunch, "request a launch from the next rank up"},
		},
	},
	{
		title:   "Management",
		minRole: rank.Sergeant,
		entries: []menuEntry{
			{VerbListRequests, "list requests awaiting your approval"},
			{VerbAccept, "approve a request"},
			{VerbReject, "reject a request"},
		},
	},
	{
		title:   "Command",
		minRole: rank.General,
		entries: []menuEntry{
			{VerbPromote, "set a user's role"},
			{VerbDemote, "set a user's role"},
		},
	},
}

func renderGroup(g menuGroup) []string {
	lines := make([]string, 0, len(g.entries)+1)
	lines = append(lines, "== "+g.title+" ==")
	for _, e := range g.entries {
		lines = append(lines, "  "+Usage(e.verb)+"  "+e.help)
	}
	return lines
}

// AuthMenu returns the menu shown while a session is authenticating.
func AuthMenu() []string {
	return renderGroup(authGroup)
}

// Menu returns the command menu for an authenticated user holding role.
func Menu(role rank.Role) []string {
	var lines []string
	for _, g := range commandGroups {
		if !role.AtLeast(g.minRole) {
			continue
		}
		lines = append(lines, renderGroup(g)...)
	}
	return append(lines, "  "+Usage(VerbQuit)+"  disconnect")
}
