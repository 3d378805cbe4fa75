package orchestrator

import "strings"

// hanFilesToken is substituted with the session's changed files, relative
// to the hook's run directory, or "." when there are none to name.
const hanFilesToken = "${HAN_FILES}"

// materializeCommand resolves a hook's declared command into the literal
// shell command to execute: a leading "han" self-reference is rewritten to
// the current binary's path, and ${HAN_FILES} is substituted with the
// session's changed files relative to the run directory.
func materializeCommand(command, hanBinaryPath string, relFiles []string) string {
	if hanBinaryPath != "" {
		switch {
		case command == "han":
			command = hanBinaryPath
		case strings.HasPrefix(command, "han "):
			command = hanBinaryPath + command[len("han"):]
		}
	}

	filesArg := "."
	if len(relFiles) > 0 {
		quoted := make([]string, len(relFiles))
		for i, f := range relFiles {
			quoted[i] = shellQuote(f)
		}
		filesArg = strings.Join(quoted, " ")
	}
	return strings.ReplaceAll(command, hanFilesToken, filesArg)
}

// shellQuote wraps s in single quotes for safe use inside a `sh -c` command
// line, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
