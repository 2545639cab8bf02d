package session

type helpEntry struct {
	name        string
	description string
}

// helpTable is listed by /help in this order. Every entry must have a command and
// every command an entry.
var helpTable = []helpEntry{
	{"/help", "Displays an explanation of a given command\n\tusage: /help command"},
	{"/rooms", "Displays the currently active rooms\n\tusage: /rooms"},
	{"/join", "Join a room\n\tusage: /join roomname"},
	{"/leave", "Leave the current room\n\tusage: /leave"},
	{"/create", "Creates a new room\n\tusage: /create roomname [description] [motd]"},
	{"/about", "Displays the current room's description\n\tusage: /about"},
	{"/dedit", "Changes the description of the current room. Only available to the owner.\n\tusage: /dedit description"},
	{"/motd", "Displays the current room's message of the day\n\tusage: /motd"},
	{"/medit", "Changes a room's message of the day. Only available to the owner\n\tusage: /medit message"},
	{"/msg", "Sends a message to a single member of the current room\n\tusage: /msg username message"},
	{"/history", "Displays the latest messages of the current room\n\tusage: /history [count]"},
	{"/destroy", "Destroys the current room. Only the owner can do this.\n\tusage: /destroy"},
	{"/quit", "Disconnects from the server\n\tusage: /quit"},
}
