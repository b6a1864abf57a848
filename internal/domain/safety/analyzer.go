// Package safety statically screens shell commands before they run.
//
// Analyze is a pure function: the same command and annotations always give
// the same Result, in the same order.
package safety

import (
	"regexp"
	"strings"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

// Result is the verdict for one command. Blocked is empty iff IsSafe.
type Result struct {
	IsSafe   bool     `json:"isSafe"`
	Warnings []string `json:"warnings"`
	Blocked  []string `json:"blocked"`
}

type rule struct {
	message string
	match   func(cmd string) bool
}

func re(pattern string) func(string) bool {
	compiled := regexp.MustCompile(pattern)
	return compiled.MatchString
}

// rootOperand is an rm target that wipes the root or home directory.
const rootOperand = `(?:/\*?|~/?\*?|\$HOME/?\*?|\$\{HOME\}/?\*?)`

const systemDirs = `(?:etc|usr|bin|sbin|lib|lib64|boot|var|root|opt|sys|proc|dev)`

var blockingRules = []rule{
	{"recursive deletion of the root or home filesystem (rm -rf /)", matchRecursiveRootDelete},
	{"raw write to a block device (dd of=/dev/...)", re(`\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk|mapper/)`)},
	{"filesystem formatting (mkfs)", re(`\bmkfs(?:\.[a-z0-9]+)?\b`)},
	{"disk partitioning tool (fdisk/parted/sfdisk)", re(`\b(?:fdisk|sfdisk|gdisk|parted)\b`)},
	{"modification of system password files (/etc/passwd, /etc/shadow)", re(
		`(?:>>?\s*/etc/(?:passwd|shadow|sudoers)\b)|(?:\btee\b[^;&|]*/etc/(?:passwd|shadow|sudoers)\b)|(?:\b(?:sed\s+-i|cp|mv|chpasswd|usermod)\b[^;&|]*/etc/(?:passwd|shadow|sudoers)\b)`)},
	{"access to the shadow password file (/etc/shadow)", re(`/etc/shadow\b`)},
	{"network download piped into a shell (curl|wget ... | sh)", re(`\b(?:curl|wget|fetch)\b[^;&]*\|\s*(?:sudo\s+)?(?:ba|z|k|da|fi)?sh\b`)},
	{"world-writable permissions on a system path (chmod 777 / a+rwx)", re(
		`\bchmod\s+(?:-[A-Za-z]+\s+)*(?:0?777|[augo]*a[augo]*\+rwx|ugo\+rwx)\s+/(?:` + systemDirs + `(?:/\S*)?|\*)?(?:\s|$|[;&|])`)},
	{"fork bomb", re(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

var warningRules = []rule{
	{"privilege escalation (sudo/su/doas)", re(`(?:^|[\s;&|(])(?:sudo|su|doas)(?:\s|$)`)},
	{"service manipulation (systemctl/service)", re(`\b(?:systemctl|service)\s+\S+`)},
	{"firewall manipulation (iptables/ufw/firewall-cmd)", re(`\b(?:iptables|ip6tables|nft|ufw|firewall-cmd)\b`)},
	{"scheduled task manipulation (crontab)", re(`\bcrontab\b`)},
	{"filesystem mount operation (mount/umount)", re(`(?:^|[\s;&|(])(?:mount|umount)(?:\s|$)`)},
}

var (
	networkRe    = regexp.MustCompile(`\b(?:https?|ftp|sftp)://|\b(?:curl|wget|ssh|scp|sftp|telnet|nc|ncat)\b|\brsync\b[^;&|]*\s\S*[A-Za-z0-9]:`)
	removalRe    = regexp.MustCompile(`(?:^|[\s;&|(])(?:rm|rmdir|shred|truncate|unlink)(?:\s|$)`)
	redirectRe   = regexp.MustCompile(`(?:^|[^>0-9&])[0-9]?>\|?\s*([^>&\s;|]+)`)
	rmRecursive  = regexp.MustCompile(`(?:^|[\s;&|(])rm\s+((?:-\S+\s+)+)(?:"` + rootOperand + `"|'` + rootOperand + `'|` + rootOperand + `)(?:\s|$|[;&|])`)
	rmFlagRecurs = regexp.MustCompile(`(?:^|\s)(?:-[A-Za-z]*[rR][A-Za-z]*|--recursive)(?:\s|$)`)
)

// Analyze screens command, cross-checking it against the tool's annotations.
func Analyze(command string, ann tool.Annotations) Result {
	res := Result{Warnings: []string{}, Blocked: []string{}}
	cmd := strings.TrimSpace(command)

	for _, r := range blockingRules {
		if r.match(cmd) {
			res.Blocked = append(res.Blocked, r.message)
		}
	}
	for _, r := range warningRules {
		if r.match(cmd) {
			res.Warnings = append(res.Warnings, r.message)
		}
	}

	if networkRe.MatchString(cmd) && !ann.OpenWorld() {
		res.Warnings = append(res.Warnings, "command appears to access the network but openWorldHint is not set")
	}
	if looksDestructive(cmd) && !ann.Destructive() {
		res.Warnings = append(res.Warnings, "command appears to remove or overwrite files but destructiveHint is not set")
	}
	res.Warnings = append(res.Warnings, supplyChainWarnings(cmd)...)

	res.IsSafe = len(res.Blocked) == 0
	return res
}

func matchRecursiveRootDelete(cmd string) bool {
	for _, m := range rmRecursive.FindAllStringSubmatch(cmd, -1) {
		if rmFlagRecurs.MatchString(" " + m[1]) {
			return true
		}
	}
	return false
}

func looksDestructive(cmd string) bool {
	if removalRe.MatchString(cmd) {
		return true
	}
	for _, m := range redirectRe.FindAllStringSubmatch(cmd, -1) {
		switch m[1] {
		case "/dev/null", "/dev/stdout", "/dev/stderr":
			continue
		}
		return true
	}
	return false
}
