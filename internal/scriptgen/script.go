package scriptgen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StripFences removes a surrounding markdown code fence when the model
// wrapped the script in ``` or ```python.
func StripFences(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "```") {
		return code
	}
	lines := strings.Split(trimmed, "\n")
	if strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(lines[len(lines)-1], "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

const (
	maxPreviewSamples    = 64
	maxPreviewResolution = 800
)

var (
	reSamples = regexp.MustCompile(`(bpy\.context\.scene\.cycles\.samples\s*=\s*)(\d+)`)
	reResX    = regexp.MustCompile(`(bpy\.context\.scene\.render\.resolution_x\s*=\s*)(\d+)`)
	reResY    = regexp.MustCompile(`(bpy\.context\.scene\.render\.resolution_y\s*=\s*)(\d+)`)
	reEngine  = regexp.MustCompile(`bpy\.context\.scene\.render\.engine\s*=\s*['"](?i:cycles)['"]`)
)

// AdjustForPreview caps render samples and resolution and swaps Cycles for
// Eevee so previews stay cheap. The geometry itself is untouched.
func AdjustForPreview(code string) string {
	code = capAssignment(reSamples, code, maxPreviewSamples)
	code = capAssignment(reResX, code, maxPreviewResolution)
	code = capAssignment(reResY, code, maxPreviewResolution)
	code = reEngine.ReplaceAllString(code, `bpy.context.scene.render.engine = 'BLENDER_EEVEE'`)
	return code
}

func capAssignment(re *regexp.Regexp, code string, max int) string {
	return re.ReplaceAllStringFunc(code, func(m string) string {
		sub := re.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[2])
		if err != nil || n > max {
			n = max
		}
		return sub[1] + strconv.Itoa(n)
	})
}

// allowedImports is the set of modules a generated script may import. It
// matches what the modeling-engine worker exposes to scripts.
var allowedImports = map[string]bool{
	"bpy":       true,
	"math":      true,
	"mathutils": true,
	"random":    true,
}

var (
	reImportLine    = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	reForbiddenCall = regexp.MustCompile(`(?:^|[^\w.])(?:eval|exec|compile|open|__import__)\s*\(`)
	reForbiddenAttr = regexp.MustCompile(`\.\s*(?:system|popen|Popen|run|call|spawn)\s*\(`)
)

// Validate rejects scripts that are obviously not runnable Blender code or
// that reach outside the modeling sandbox.
func Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty script")
	}
	if !strings.Contains(code, "import bpy") {
		return fmt.Errorf("script does not import bpy")
	}
	for _, m := range reImportLine.FindAllStringSubmatch(code, -1) {
		base := strings.SplitN(m[1], ".", 2)[0]
		if !allowedImports[base] {
			return fmt.Errorf("import not allowed: %s", m[1])
		}
	}
	if m := reForbiddenCall.FindString(code); m != "" {
		return fmt.Errorf("forbidden call detected: %s", strings.TrimSpace(strings.TrimSuffix(m, "(")))
	}
	if m := reForbiddenAttr.FindString(code); m != "" {
		return fmt.Errorf("forbidden call detected: %s", strings.TrimSpace(strings.TrimSuffix(m, "(")))
	}
	return nil
}
