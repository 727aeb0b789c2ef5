package permissions

import "strings"

// commandArity maps known command prefixes to the number of tokens that
// identify the operation for allow_always generalization: "git checkout
// main" generalizes to "git checkout *", "ls -la" to "ls *".
var commandArity = map[string]int{
	"cat": 1, "cd": 1, "chmod": 1, "chown": 1, "cp": 1, "echo": 1,
	"grep": 1, "ls": 1, "mkdir": 1, "mv": 1, "rm": 1, "touch": 1,
	"head": 1, "tail": 1, "find": 1, "which": 1,

	"git": 2, "git config": 3, "git remote": 3, "git stash": 3,

	"npm": 2, "npm run": 3, "npm exec": 3,
	"pnpm": 2, "pnpm run": 3,
	"yarn": 2, "yarn run": 3,
	"pip": 2, "poetry": 2,
	"cargo": 2, "cargo add": 3,
	"go": 2,

	"docker": 2, "docker compose": 3, "docker container": 3, "docker image": 3,

	"make": 2, "cmake": 2, "bazel": 2,
	"python": 2, "python3": 2,
}

// commandPrefix extracts the identifying prefix of a shell command.
func commandPrefix(command string) string {
	tokens := splitShellTokens(command)
	if len(tokens) == 0 {
		return ""
	}

	// Longest known prefix wins.
	for length := len(tokens); length > 0; length-- {
		prefix := strings.Join(tokens[:length], " ")
		if arity, ok := commandArity[prefix]; ok {
			if arity > len(tokens) {
				arity = len(tokens)
			}
			return strings.Join(tokens[:arity], " ")
		}
	}
	return tokens[0]
}

// splitShellTokens splits a command line on whitespace with single and
// double quote awareness. Unterminated quotes consume to end of input.
func splitShellTokens(s string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote byte

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		case c == '\\' && i+1 < len(s):
			cur.WriteByte(s[i+1])
			inToken = true
			i++
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	flush()
	return tokens
}
