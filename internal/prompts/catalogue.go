package prompts

// ActionSpec describes one action the model may request.
type ActionSpec struct {
	ID          string
	Description string
}

// Actions is the catalogue offered to the model, in the order it is
// listed in the system prompt.
var Actions = []ActionSpec{
	{"scan_junk", "scan caches, logs and other junk files"},
	{"clean_junk", "delete the junk found by the last scan (scans first if needed)"},
	{"scan_malware", "check the system for malware"},
	{"optimize_speed", "flush the DNS cache and free inactive memory"},
	{"scan_large_files", "find the largest files on disk"},
	{"scan_apps", "list installed apps and their sizes"},
	{"scan_outdated_apps", "find apps with updates available"},
	{"scan_space_lens", "show which folders in the home directory use the most space"},
	{"scan_extensions", "list launch agents, daemons and browser extensions"},
	{"scan_mail", "find downloaded mail attachments"},
	{"show_overview", "summarize the current system status"},
	{"navigate:<page>", "open a page (dashboard, cleanup, protection, performance, files, privacy, uninstaller, space_lens, updater, extensions, mail, settings)"},
}
