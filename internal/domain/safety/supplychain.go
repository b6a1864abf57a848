package safety

import (
	"fmt"
	"strings"
)

// flags of docker/podman run that consume the next token.
var containerValueFlags = map[string]bool{
	"-e": true, "--env": true, "-v": true, "--volume": true, "-p": true, "--publish": true,
	"--name": true, "-w": true, "--workdir": true, "-u": true, "--user": true,
	"--network": true, "--net": true, "--entrypoint": true, "--platform": true,
	"--mount": true, "--env-file": true, "-l": true, "--label": true, "-m": true, "--memory": true,
	"--cpus": true, "-h": true, "--hostname": true,
}

// supplyChainWarnings flags fetch-and-run idioms that are not pinned to a
// version, commit or digest.
func supplyChainWarnings(cmd string) []string {
	var out []string
	for _, segment := range splitCommands(cmd) {
		fields := strings.Fields(segment)
		for i := 0; i < len(fields); i++ {
			rest := fields[i+1:]
			switch fields[i] {
			case "npx":
				if pkg := firstOperand(rest, nil); pkg != "" && !pinnedNPM(pkg) {
					out = append(out, fmt.Sprintf("unpinned package execution: npx %s (pin with @version)", pkg))
				}
			case "uvx":
				if pkg := firstOperand(rest, nil); pkg != "" && !strings.Contains(pkg, "==") && !strings.Contains(pkg, "@") {
					out = append(out, fmt.Sprintf("unpinned package execution: uvx %s (pin with ==version)", pkg))
				}
			case "pipx":
				if len(rest) > 0 && rest[0] == "run" {
					if pkg := firstOperand(rest[1:], nil); pkg != "" && !strings.Contains(pkg, "==") {
						out = append(out, fmt.Sprintf("unpinned package execution: pipx run %s (pin with ==version)", pkg))
					}
				}
			case "go":
				if len(rest) > 1 && (rest[0] == "run" || rest[0] == "install") {
					for _, arg := range rest[1:] {
						if strings.HasSuffix(arg, "@latest") {
							out = append(out, fmt.Sprintf("unpinned module execution: go %s %s (pin a version)", rest[0], arg))
						}
					}
				}
			case "docker", "podman":
				if len(rest) > 0 && rest[0] == "run" {
					if img := firstOperand(rest[1:], containerValueFlags); img != "" && !pinnedImage(img) {
						out = append(out, fmt.Sprintf("unpinned container image: %s (pin a tag or digest)", img))
					}
				}
			}
		}
	}
	return out
}

func splitCommands(cmd string) []string {
	return strings.FieldsFunc(cmd, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n'
	})
}

// firstOperand returns the first token that is not a flag, skipping the
// values of flags listed in valueFlags.
func firstOperand(args []string, valueFlags map[string]bool) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			if valueFlags[a] {
				i++
			}
			continue
		}
		return strings.Trim(a, `"'`)
	}
	return ""
}

func pinnedNPM(pkg string) bool {
	return strings.LastIndex(pkg, "@") > 0
}

func pinnedImage(img string) bool {
	if strings.Contains(img, "@sha256:") {
		return true
	}
	last := img[strings.LastIndex(img, "/")+1:]
	i := strings.LastIndex(last, ":")
	return i >= 0 && last[i+1:] != "latest"
}
