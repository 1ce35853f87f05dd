// Package gate decides whether a command line may run through the read-only tool.
//
// The decision looks only at the first whitespace-separated token of the
// command line. Arguments, pipes and redirections are not inspected, so a
// pipeline such as "cat x | sh" is admitted because its first token is "cat".
// The gate is a convenience for tool clients, not a security boundary.
package gate

import (
	"slices"
	"strings"
)

// readOnly is the fixed set of admitted program names.
var readOnly = map[string]struct{}{}

func init() {
	for _, name := range commands {
		readOnly[name] = struct{}{}
	}
}

var commands = []string{
	// Files and navigation
	"ls", "cat", "head", "tail", "less", "more", "grep", "rg", "find", "fd",
	"tree", "bat", "eza", "exa", "locate", "cd", "pwd", "readlink", "realpath",
	"basename", "dirname",

	// Identity and system
	"whoami", "id", "groups", "which", "whereis", "type", "hostname", "uname",
	"date", "uptime", "echo", "printf",

	// Processes and resources
	"ps", "top", "htop", "btop", "lsof", "df", "du", "lsblk", "blkid", "stat",
	"file", "free", "vmstat", "iostat", "iotop", "lsmem", "lshw", "lscpu",

	// Network
	"netstat", "ss", "ping", "traceroute", "nslookup", "dig", "host",

	// Text processing
	"wc", "sort", "uniq", "cut", "paste", "tr", "column", "diff", "cmp", "comm",

	// Checksums and inspection
	"md5sum", "sha1sum", "sha256sum", "sha512sum", "xxd", "hexdump", "od",
	"strings",

	// Environment
	"env", "printenv", "getent", "getconf",

	// Compressed output to stdout
	"zcat", "bzcat", "xzcat", "gunzip", "bunzip2", "unxz",

	// Structured data
	"jq", "yq", "xmllint",

	// Logs and hardware
	"journalctl", "lsmod", "modinfo", "lspci", "lsusb",

	// Shell state
	"history", "alias", "fc-list", "fc-match", "test", "true", "false",
}

// FirstToken returns the first whitespace-separated token of command, or ""
// when command is empty or blank.
func FirstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsReadOnly reports whether the first token of command is an admitted
// program name. Matching is exact and case-sensitive; a path such as
// "/bin/ls" is not admitted.
func IsReadOnly(command string) bool {
	token := FirstToken(command)
	if token == "" {
		return false
	}
	_, ok := readOnly[token]
	return ok
}

// Commands returns the admitted program names in sorted order.
func Commands() []string {
	out := slices.Clone(commands)
	slices.Sort(out)
	return out
}
